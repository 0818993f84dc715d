package export

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes the contents of an export archive.
type Manifest struct {
	Version          string           `yaml:"version"`
	CreatedAt        time.Time        `yaml:"created_at"`
	Signer           string           `yaml:"signer,omitempty"`
	SigningPublicKey string           `yaml:"signing_public_key,omitempty"`
	Signature        string           `yaml:"signature,omitempty"`
	Entities         []ManifestEntity `yaml:"entities"`
}

// SigningBytes marshals the manifest without its signature.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// ManifestEntity is one CSV file in the archive.
type ManifestEntity struct {
	Path   string   `yaml:"path"`
	Model  string   `yaml:"model"`
	Fields []string `yaml:"fields"`
	Rows   int      `yaml:"rows"`
	Size   int64    `yaml:"size"`
	SHA256 string   `yaml:"sha256"`
}
