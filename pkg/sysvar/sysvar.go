// Package sysvar stores process-wide named values. Reads are served from
// a local copy that is reloaded whenever the shared version counter
// advances; writes bump the counter.
package sysvar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/cache"
	"trionyx/pkg/models"
)

// VersionKey is the cache key holding the newest variable version.
const VersionKey = "trionyx.sysvar.version"

var (
	// ErrNotFound is returned for unknown codes.
	ErrNotFound = errors.New("sysvar: not found")
	// ErrNoIdentity is returned when a secret is used without an age identity.
	ErrNoIdentity = errors.New("sysvar: no age identity configured")
)

// Store reads and writes system variables.
type Store struct {
	db       *gorm.DB
	cache    cache.Cache
	identity *age.X25519Identity
	logger   zerolog.Logger

	mu      sync.RWMutex
	version uint64
	loaded  bool
	values  map[string]models.SystemVariable
}

// New returns a store. identity is an "AGE-SECRET-KEY-1..." string used
// for secret variables and may be empty.
func New(db *gorm.DB, c cache.Cache, identity string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "sysvar").Logger(),
		values: make(map[string]models.SystemVariable),
	}
	if identity != "" {
		id, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("sysvar: parse identity: %w", err)
		}
		s.identity = id
	}
	return s, nil
}

// current returns the shared version, preferring the cache and falling
// back to the table.
func (s *Store) current(ctx context.Context) (uint64, error) {
	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, VersionKey)
		if err == nil && ok {
			if v, err := strconv.ParseUint(string(raw), 10, 64); err == nil {
				return v, nil
			}
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("version from cache")
		}
	}
	var v uint64
	err := s.db.WithContext(ctx).Model(&models.SystemVariable{}).Select("COALESCE(MAX(version), 0)").Scan(&v).Error
	if err != nil {
		return 0, err
	}
	s.publish(ctx, v)
	return v, nil
}

func (s *Store) publish(ctx context.Context, v uint64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, VersionKey, []byte(strconv.FormatUint(v, 10)), 0); err != nil {
		s.logger.Warn().Err(err).Msg("publish variable version")
	}
}

// refresh reloads every variable when the shared version moved.
func (s *Store) refresh(ctx context.Context) error {
	v, err := s.current(ctx)
	if err != nil {
		return fmt.Errorf("sysvar: version: %w", err)
	}
	s.mu.RLock()
	fresh := s.loaded && s.version == v
	s.mu.RUnlock()
	if fresh {
		return nil
	}

	var rows []models.SystemVariable
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return fmt.Errorf("sysvar: load: %w", err)
	}
	values := make(map[string]models.SystemVariable, len(rows))
	for _, row := range rows {
		values[row.Code] = row
	}
	s.mu.Lock()
	s.values, s.version, s.loaded = values, v, true
	s.mu.Unlock()
	return nil
}

// Get decodes the value of code into dest.
func (s *Store) Get(ctx context.Context, code string, dest any) error {
	if err := s.refresh(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	row, ok := s.values[code]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, code)
	}
	raw := []byte(row.Value)
	if row.Secret {
		plain, err := s.decrypt(raw)
		if err != nil {
			return err
		}
		raw = plain
	}
	return json.Unmarshal(raw, dest)
}

// String returns the string value of code or def when it is unset.
func (s *Store) String(ctx context.Context, code, def string) string {
	var v string
	if err := s.Get(ctx, code, &v); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("code", code).Msg("read variable")
		}
		return def
	}
	return v
}

// Set stores v under code.
func (s *Store) Set(ctx context.Context, code string, v any) error {
	return s.set(ctx, code, v, false)
}

// SetSecret stores v encrypted to the store identity.
func (s *Store) SetSecret(ctx context.Context, code string, v any) error {
	return s.set(ctx, code, v, true)
}

func (s *Store) set(ctx context.Context, code string, v any, secret bool) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sysvar: encode %s: %w", code, err)
	}
	if secret {
		if raw, err = s.encrypt(raw); err != nil {
			return err
		}
	}

	shared, err := s.current(ctx)
	if err != nil {
		return fmt.Errorf("sysvar: version: %w", err)
	}
	var version uint64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.SystemVariable{}).Select("COALESCE(MAX(version), 0)").Scan(&version).Error; err != nil {
			return err
		}
		version = max(version, shared) + 1
		row := models.SystemVariable{Code: code, Value: datatypes.JSON(raw), Secret: secret, Version: version}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "secret", "version", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("sysvar: set %s: %w", code, err)
	}
	s.publish(ctx, version)
	return nil
}

// Delete removes code.
func (s *Store) Delete(ctx context.Context, code string) error {
	if err := s.db.WithContext(ctx).Where("code = ?", code).Delete(&models.SystemVariable{}).Error; err != nil {
		return fmt.Errorf("sysvar: delete %s: %w", code, err)
	}
	// Deleting cannot advance MAX(version), so only the cached counter moves.
	s.mu.Lock()
	s.loaded = false
	s.mu.Unlock()
	v, err := s.current(ctx)
	if err != nil {
		return fmt.Errorf("sysvar: version: %w", err)
	}
	s.publish(ctx, v+1)
	return nil
}

// Codes lists the stored variables without decrypting secrets.
func (s *Store) Codes(ctx context.Context) ([]models.SystemVariable, error) {
	var rows []models.SystemVariable
	err := s.db.WithContext(ctx).Order("code").Find(&rows).Error
	return rows, err
}

func (s *Store) encrypt(plain []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("sysvar: encrypt: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	// Stored as a JSON string so the column stays valid JSON.
	return json.Marshal(buf.String())
}

func (s *Store) decrypt(raw []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	var armored string
	if err := json.Unmarshal(raw, &armored); err != nil {
		return nil, fmt.Errorf("sysvar: secret payload: %w", err)
	}
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader([]byte(armored))), s.identity)
	if err != nil {
		return nil, fmt.Errorf("sysvar: decrypt: %w", err)
	}
	return io.ReadAll(r)
}
