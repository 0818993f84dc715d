// Package applog persists warning and error log events into deduplicated
// Log buckets with one LogEntry per occurrence.
package applog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"trionyx/pkg/models"
	"trionyx/pkg/reqctx"
)

// UserAgentKey is the reqctx state key holding the request user agent.
const UserAgentKey = "user_agent"

// Record is one captured log event.
type Record struct {
	Level     string
	File      string
	Line      int
	Message   string
	Traceback string
	At        time.Time
	UserAgent string
	UserID    *uint64
}

// Store writes records in the background.
type Store struct {
	db      *gorm.DB
	queue   chan Record
	dropped atomic.Int64
}

// New returns a store buffering up to size records.
func New(db *gorm.DB, size int) *Store {
	if size <= 0 {
		size = 256
	}
	// The writer never logs through gorm so persisting cannot recurse.
	quiet := db.Session(&gorm.Session{Logger: logger.Discard})
	return &Store{db: quiet, queue: make(chan Record, size)}
}

// Hook returns the zerolog hook feeding the store.
func (s *Store) Hook() zerolog.Hook { return hook{store: s} }

// Dropped returns how many records were discarded on a full buffer.
func (s *Store) Dropped() int64 { return s.dropped.Load() }

// Run writes queued records until ctx is done, then drains the buffer.
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case rec := <-s.queue:
			_ = s.Write(context.WithoutCancel(ctx), rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-s.queue:
					_ = s.Write(context.WithoutCancel(ctx), rec)
				default:
					return
				}
			}
		}
	}
}

// Write stores rec, creating or bumping its bucket.
func (s *Store) Write(ctx context.Context, rec Record) error {
	sum := sha256.Sum256([]byte(rec.Message))
	hash := hex.EncodeToString(sum[:])
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bucket := models.Log{
			Level:       rec.Level,
			File:        rec.File,
			Line:        rec.Line,
			MessageHash: hash,
			Message:     rec.Message,
			Traceback:   rec.Traceback,
			FirstSeen:   rec.At,
			LastSeen:    rec.At,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "level"}, {Name: "file"}, {Name: "line"}, {Name: "message_hash"}},
			DoNothing: true,
		}).Create(&bucket).Error
		if err != nil {
			return err
		}
		err = tx.Where(models.Log{Level: rec.Level, File: rec.File, Line: rec.Line, MessageHash: hash}).Take(&bucket).Error
		if err != nil {
			return err
		}
		err = tx.Model(&bucket).UpdateColumns(map[string]any{
			"count":     gorm.Expr("count + 1"),
			"last_seen": rec.At,
			"traceback": rec.Traceback,
		}).Error
		if err != nil {
			return err
		}
		return tx.Create(&models.LogEntry{
			LogID:     bucket.ID,
			LogAt:     rec.At,
			UserAgent: rec.UserAgent,
			UserID:    rec.UserID,
		}).Error
	})
}

// Cleanup deletes buckets not seen for days days with their entries.
func (s *Store) Cleanup(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&models.Log{}).Where("last_seen < ?", cutoff).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("log_id IN ?", ids).Delete(&models.LogEntry{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Log{})
		n = res.RowsAffected
		return res.Error
	})
	return n, err
}

type hook struct {
	store *Store
}

func (h hook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if level < zerolog.WarnLevel || level > zerolog.PanicLevel {
		return
	}
	file, line, trace := caller(level >= zerolog.ErrorLevel)
	rec := Record{
		Level:     level.String(),
		File:      file,
		Line:      line,
		Message:   msg,
		Traceback: trace,
		At:        time.Now().UTC(),
	}
	if ctx := e.GetCtx(); ctx != nil {
		if state := reqctx.From(ctx); state != nil {
			rec.UserID = reqctx.UserID(ctx)
			if ua, ok := state.Get(UserAgentKey); ok {
				rec.UserAgent, _ = ua.(string)
			}
		}
	}
	select {
	case h.store.queue <- rec:
	default:
		h.store.dropped.Add(1)
	}
}

// caller finds the first frame outside zerolog. The first three frames
// are runtime.Callers, caller and hook.Run.
func caller(withTrace bool) (string, int, string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var (
		file  string
		line  int
		trace strings.Builder
	)
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "github.com/rs/zerolog") {
			if file == "" {
				file, line = f.File, f.Line
			}
			if !withTrace {
				break
			}
			fmt.Fprintf(&trace, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		}
		if !more {
			break
		}
	}
	return file, line, trace.String()
}
