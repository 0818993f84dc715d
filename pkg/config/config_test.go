package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestLoadLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trionyx.yaml")
	yamlDoc := `
db_driver: sqlite
db_dsn: /tmp/from-yaml.db
page_size: 25
task_queues: [default, reports]
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DB_DSN", "/tmp/from-env.db")
	t.Setenv("TASK_WALL_LIMIT", "5m")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"yaml value", cfg.DBDriver, "sqlite"},
		{"env over yaml", cfg.DBDSN, "/tmp/from-env.db"},
		{"yaml over default", cfg.PageSize, 25},
		{"env over default", cfg.TaskWallLimit, 5 * time.Minute},
		{"default", cfg.RecoverSpec, "@every 15m"},
		{"queues", cfg.TaskQueues, []string{"default", "reports"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.want) {
				t.Fatalf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := Config{DBDriver: "mysql", PageSize: 0, TaskWallLimit: time.Minute}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() accepted an invalid config")
	}
	for _, want := range []string{"DB_DRIVER", "DB_DSN", "PAGE_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
