// Package admin implements the operator commands of trionyxctl.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jedib0t/go-pretty/v6/table"
	"gorm.io/gorm"

	"trionyx/pkg/export"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/sysvar"
)

const (
	// MinPasswordLength applies to accounts created from the command line.
	MinPasswordLength = 8
	defaultTaskLimit  = 50
	secretMask        = "********"
	exportContentType = "application/zstd"
)

var (
	// ErrUserExists is returned when the email address is taken.
	ErrUserExists = errors.New("admin: user already exists")

	validate = validator.New()
)

// TaskQuery filters ListTasks.
type TaskQuery struct {
	Status string
	Limit  int
}

// ListTasks returns the newest task records.
func ListTasks(ctx context.Context, db *gorm.DB, q TaskQuery) ([]models.TaskRecord, error) {
	if q.Limit <= 0 {
		q.Limit = defaultTaskLimit
	}
	tx := db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(q.Limit)
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	var out []models.TaskRecord
	if err := tx.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("admin: list tasks: %w", err)
	}
	return out, nil
}

// RenderTasks prints records as a table.
func RenderTasks(w io.Writer, records []models.TaskRecord) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Task ID", "Task", "Status", "Progress", "Object", "Created", "Result"})
	for _, rec := range records {
		t.AppendRow(table.Row{
			rec.TaskID,
			rec.Identifier,
			rec.Status,
			strconv.Itoa(rec.Progress) + "%",
			rec.ObjectVerboseName,
			rec.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			rec.Result,
		})
	}
	t.Render()
}

// Superuser describes the account created by CreateSuperuser.
type Superuser struct {
	Email     string `validate:"required,email"`
	Password  string `validate:"required"`
	FirstName string
	LastName  string
}

// CreateSuperuser creates an active superuser.
func CreateSuperuser(ctx context.Context, db *gorm.DB, in Superuser) (*models.User, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("admin: %w", err)
	}
	if len(in.Password) < MinPasswordLength {
		return nil, fmt.Errorf("admin: password must be at least %d characters", MinPasswordLength)
	}

	var existing int64
	if err := db.WithContext(ctx).Model(&models.User{}).Where("email = ?", in.Email).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUserExists, in.Email)
	}

	u := &models.User{
		Email:       models.Email(in.Email),
		FirstName:   in.FirstName,
		LastName:    in.LastName,
		IsActive:    true,
		IsSuperuser: true,
	}
	if err := u.SetPassword(in.Password); err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Create(u).Error; err != nil {
		return nil, fmt.Errorf("admin: create user: %w", err)
	}
	return u, nil
}

// RenderVariables prints the stored system variables. Secrets are masked.
func RenderVariables(w io.Writer, vars []models.SystemVariable) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Code", "Value", "Version", "Updated"})
	for _, v := range vars {
		value := string(v.Value)
		if v.Secret {
			value = secretMask
		}
		t.AppendRow(table.Row{v.Code, value, v.Version, v.UpdatedAt.UTC().Format("2006-01-02 15:04:05")})
	}
	t.Render()
}

// SetVariable stores raw under code. Valid JSON is stored as decoded,
// anything else as a string.
func SetVariable(ctx context.Context, store *sysvar.Store, code, raw string, secret bool) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("admin: variable code is required")
	}
	var value any = raw
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
		value = decoded
	}
	if secret {
		return store.SetSecret(ctx, code, value)
	}
	return store.Set(ctx, code, value)
}

// Uploader stores export archives. *s3.Client implements it.
type Uploader interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// ExportConfig configures Export.
type ExportConfig struct {
	DB       *gorm.DB
	Registry *registry.Registry
	// Models are entity aliases; empty exports every registered entity.
	Models []string
	Output string
	Signer *export.Signer
	// Upload, when set, receives the archive under exports/<file name>.
	Upload Uploader
	Stdout io.Writer
}

// ExportResult describes a written archive.
type ExportResult struct {
	Manifest *export.Manifest
	Key      string
	SHA256   string
}

// Export writes a signed CSV archive of the selected entities and
// optionally uploads it.
func Export(ctx context.Context, cfg ExportConfig) (*ExportResult, error) {
	if cfg.Output == "" {
		return nil, errors.New("admin: output file is required")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}
	selected, err := selectModels(cfg.Registry, cfg.Models)
	if err != nil {
		return nil, err
	}

	file, err := os.Create(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("admin: create %s: %w", cfg.Output, err)
	}
	manifest, err := export.Build(ctx, export.BuildConfig{
		DB:     cfg.DB,
		Models: selected,
		Output: file,
		Signer: cfg.Signer,
		Render: renderer.Options{NoHTML: true},
		Stdout: cfg.Stdout,
	})
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(cfg.Output)
		return nil, err
	}

	res := &ExportResult{Manifest: manifest}
	if cfg.Upload == nil {
		return res, nil
	}
	data, err := os.ReadFile(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("admin: read archive: %w", err)
	}
	res.Key = "exports/" + filepath.Base(cfg.Output)
	if res.SHA256, err = cfg.Upload.Put(ctx, res.Key, exportContentType, data); err != nil {
		return nil, fmt.Errorf("admin: upload %s: %w", res.Key, err)
	}
	fmt.Fprintf(cfg.Stdout, "uploaded %s (sha256 %s)\n", res.Key, res.SHA256)
	return res, nil
}

// VerifyExport checks an archive written by Export.
func VerifyExport(ctx context.Context, path string, signer *export.Signer) (*export.Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("admin: read %s: %w", path, err)
	}
	return export.Verify(ctx, bytes.NewReader(raw), signer)
}

func selectModels(reg *registry.Registry, aliases []string) ([]*registry.Config, error) {
	if reg == nil {
		return nil, errors.New("admin: registry is required")
	}
	if len(aliases) == 0 {
		return reg.All(), nil
	}
	out := make([]*registry.Config, 0, len(aliases))
	for _, alias := range aliases {
		cfg, err := reg.Get(alias)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
