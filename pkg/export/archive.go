package export

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
)

const (
	manifestFileName = "manifest.yaml"
	entitiesPrefix   = "entities"
	manifestVersion  = "1"
)

// BuildConfig configures Build.
type BuildConfig struct {
	DB     *gorm.DB
	Models []*registry.Config
	// Output receives the tar.zst archive.
	Output io.Writer
	// Signer is optional; unsigned archives carry no signature.
	Signer *Signer
	Render renderer.Options
	Now    func() time.Time
	Stdout io.Writer
}

// Build writes one CSV per model, then packs the manifest and the files
// into a zstd compressed tar stream.
func Build(ctx context.Context, cfg BuildConfig) (*Manifest, error) {
	if cfg.DB == nil {
		return nil, errors.New("export: database is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("export: no models to export")
	}
	if cfg.Output == nil {
		return nil, errors.New("export: output is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = io.Discard
	}

	tempDir, err := os.MkdirTemp("", "trionyx-export-*")
	if err != nil {
		return nil, fmt.Errorf("export: temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
	}
	for _, model := range cfg.Models {
		entry, err := writeEntity(ctx, cfg, tempDir, model)
		if err != nil {
			return nil, err
		}
		manifest.Entities = append(manifest.Entities, entry)
		fmt.Fprintf(cfg.Stdout, "exported %s (%d rows)\n", model.Alias(), entry.Rows)
	}

	if cfg.Signer != nil {
		manifest.Signer = cfg.Signer.Recipient()
		manifest.SigningPublicKey = cfg.Signer.PublicKey()
		payload, err := manifest.SigningBytes()
		if err != nil {
			return nil, fmt.Errorf("export: marshal manifest for signing: %w", err)
		}
		if manifest.Signature, err = cfg.Signer.Sign(payload); err != nil {
			return nil, fmt.Errorf("export: sign manifest: %w", err)
		}
	}
	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("export: marshal manifest: %w", err)
	}
	if err := writeArchive(cfg.Output, raw, tempDir, manifest.Entities, manifest.CreatedAt); err != nil {
		return nil, err
	}
	return manifest, nil
}

func writeEntity(ctx context.Context, cfg BuildConfig, dir string, model *registry.Config) (ManifestEntity, error) {
	name := model.AppLabel + "_" + model.ModelName + ".csv"
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return ManifestEntity{}, fmt.Errorf("export: create %s: %w", name, err)
	}
	defer file.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	fields := Fields(model, nil)
	q := model.Query(cfg.DB).Order("id")
	rows, err := WriteCSV(ctx, io.MultiWriter(file, hash, counter), model, q, CSVOptions{Fields: fields, Render: cfg.Render})
	if err != nil {
		return ManifestEntity{}, err
	}
	return ManifestEntity{
		Path:   name,
		Model:  model.Alias(),
		Fields: fields,
		Rows:   rows,
		Size:   counter.n,
		SHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func writeArchive(out io.Writer, manifest []byte, dir string, entries []ManifestEntity, modTime time.Time) error {
	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("export: zstd writer: %w", err)
	}
	tw := tar.NewWriter(encoder)

	err = tw.WriteHeader(&tar.Header{
		Name:     manifestFileName,
		Mode:     0o644,
		Size:     int64(len(manifest)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	})
	if err != nil {
		return fmt.Errorf("export: write manifest header: %w", err)
	}
	if _, err := tw.Write(manifest); err != nil {
		return fmt.Errorf("export: write manifest: %w", err)
	}

	for _, entry := range entries {
		if err := copyEntry(tw, dir, entry, modTime); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("export: close tar: %w", err)
	}
	return encoder.Close()
}

func copyEntry(tw *tar.Writer, dir string, entry ManifestEntity, modTime time.Time) error {
	file, err := os.Open(filepath.Join(dir, entry.Path))
	if err != nil {
		return fmt.Errorf("export: open %s: %w", entry.Path, err)
	}
	defer file.Close()

	err = tw.WriteHeader(&tar.Header{
		Name:     entitiesPrefix + "/" + entry.Path,
		Mode:     0o644,
		Size:     entry.Size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	})
	if err != nil {
		return fmt.Errorf("export: write header for %s: %w", entry.Path, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("export: copy %s: %w", entry.Path, err)
	}
	return nil
}

// Verify reads an archive produced by Build and checks every file against
// the manifest. With a signer the manifest must carry a valid signature.
func Verify(ctx context.Context, in io.Reader, signer *Signer) (*Manifest, error) {
	decoder, err := zstd.NewReader(in)
	if err != nil {
		return nil, fmt.Errorf("export: zstd reader: %w", err)
	}
	defer decoder.Close()

	tr := tar.NewReader(decoder)
	var (
		manifest *Manifest
		expected map[string]ManifestEntity
		seen     = map[string]bool{}
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("export: read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		if header.Name == manifestFileName {
			if manifest, err = readManifest(tr, signer); err != nil {
				return nil, err
			}
			expected = make(map[string]ManifestEntity, len(manifest.Entities))
			for _, e := range manifest.Entities {
				expected[entitiesPrefix+"/"+e.Path] = e
			}
			continue
		}
		if manifest == nil {
			return nil, errors.New("export: manifest must be the first entry")
		}
		entry, ok := expected[header.Name]
		if !ok {
			return nil, fmt.Errorf("export: unexpected entry %q", header.Name)
		}
		if err := checkEntry(tr, entry); err != nil {
			return nil, err
		}
		seen[header.Name] = true
	}

	if manifest == nil {
		return nil, errors.New("export: archive missing manifest.yaml")
	}
	for name, e := range expected {
		if !seen[name] {
			return nil, fmt.Errorf("export: %s missing from archive", e.Path)
		}
	}
	return manifest, nil
}

func readManifest(r io.Reader, signer *Signer) (*Manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("export: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("export: unmarshal manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("export: unsupported manifest version %q", m.Version)
	}
	if signer == nil {
		return &m, nil
	}
	if m.Signature == "" {
		return nil, errors.New("export: manifest missing signature")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("export: marshal manifest for verification: %w", err)
	}
	if err := signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		return nil, err
	}
	return &m, nil
}

func checkEntry(r io.Reader, entry ManifestEntity) error {
	hash := sha256.New()
	size, err := io.Copy(hash, r)
	if err != nil {
		return fmt.Errorf("export: hash %s: %w", entry.Path, err)
	}
	if size != entry.Size {
		return fmt.Errorf("export: size mismatch for %s: expected %d got %d", entry.Path, entry.Size, size)
	}
	if !strings.EqualFold(hex.EncodeToString(hash.Sum(nil)), entry.SHA256) {
		return fmt.Errorf("export: sha256 mismatch for %s", entry.Path)
	}
	return nil
}
