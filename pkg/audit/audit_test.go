package audit

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/layout"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/tabs"
	"trionyx/pkg/utils"
)

type Note struct {
	models.BaseEntity
	Body string `gorm:"type:text"`
}

type coreApp struct{}

func (coreApp) Label() string { return "trionyx" }
func (coreApp) Models() []any { return []any{&models.User{}, &Note{}} }
func (coreApp) ModelConfigs() map[string]func(*registry.Config) {
	return map[string]func(*registry.Config){
		"User": func(c *registry.Config) { c.AuditlogIgnoreFields = []string{"last_name"} },
		"Note": func(c *registry.Config) { c.AuditlogDisable = true },
	}
}

func setup(t *testing.T) (*registry.Registry, *gorm.DB) {
	t.Helper()
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(coreApp{}); err != nil {
		t.Fatal(err)
	}
	db := dbtest.Open(t, reg.Models()...)
	if err := reg.Install(db); err != nil {
		t.Fatal(err)
	}
	if err := New(reg, zerolog.Nop()).Install(db); err != nil {
		t.Fatal(err)
	}
	return reg, db
}

func entriesFor(t *testing.T, db *gorm.DB, id uint64) []models.AuditLogEntry {
	t.Helper()
	var out []models.AuditLogEntry
	if err := db.Where("content_type = ? AND object_id = ?", "trionyx.user", id).Order("id").Find(&out).Error; err != nil {
		t.Fatal(err)
	}
	return out
}

func TestUserLifecycle(t *testing.T) {
	reg, db := setup(t)
	admin := &models.User{Email: "admin@ex.com", IsActive: true}
	if err := db.Create(admin).Error; err != nil {
		t.Fatal(err)
	}
	user := &models.User{Email: "info@ex.com"}
	if err := db.Create(user).Error; err != nil {
		t.Fatal(err)
	}

	added := entriesFor(t, db, user.ID)
	if len(added) != 1 || added[0].Action != models.ActionAdded || added[0].UserID != nil {
		t.Fatalf("entries after create = %+v", added)
	}
	if got := added[0].Changes.Data()["email"]; got != [2]string{"", "info@ex.com"} {
		t.Fatalf("added email change = %v", got)
	}

	ctx := reqctx.WithUser(context.Background(), admin)
	user.FirstName = "Trionyx"
	if err := db.WithContext(ctx).Save(user).Error; err != nil {
		t.Fatal(err)
	}
	changed := entriesFor(t, db, user.ID)
	if len(changed) != 2 {
		t.Fatalf("entries after update = %d", len(changed))
	}
	want := models.Changes{"first_name": {"", "Trionyx"}}
	if got := changed[1].Changes.Data(); changed[1].Action != models.ActionChanged || !reflect.DeepEqual(got, want) {
		t.Fatalf("changed entry = %s %v, want %v", changed[1].Action, got, want)
	}
	if changed[1].UserID == nil || *changed[1].UserID != admin.ID {
		t.Fatalf("acting user = %v, want %d", changed[1].UserID, admin.ID)
	}
	if changed[1].ObjectVerboseName == "" {
		t.Fatal("object verbose name not stored")
	}

	t.Run("ignored and unchanged fields write nothing", func(t *testing.T) {
		user.LastName = "Ignored"
		if err := db.Save(user).Error; err != nil {
			t.Fatal(err)
		}
		if err := db.Save(user).Error; err != nil {
			t.Fatal(err)
		}
		if got := len(entriesFor(t, db, user.ID)); got != 2 {
			t.Fatalf("entries = %d, want 2", got)
		}
	})

	t.Run("history tab", func(t *testing.T) {
		tr := tabs.New(reg)
		if err := RegisterTabs(tr, reg, db); err != nil {
			t.Fatal(err)
		}
		tab, err := tr.Get(user, HistoryTab)
		if err != nil || tab.Order != 999 {
			t.Fatalf("history tab = %+v, %v", tab, err)
		}
		if _, err := tr.Get(&Note{}, HistoryTab); err == nil {
			t.Fatal("history tab registered for an entity without audit")
		}
		html, err := tr.Render(context.Background(), &layout.Context{Object: user, Registry: reg}, user, HistoryTab)
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"Changed on", "by admin@ex.com", "Trionyx", "Added on", "by System", "Old value"} {
			if !strings.Contains(html, want) {
				t.Errorf("history missing %q", want)
			}
		}
	})

	t.Run("soft delete", func(t *testing.T) {
		if err := db.Model(user).Update("deleted", true).Error; err != nil {
			t.Fatal(err)
		}
		all := entriesFor(t, db, user.ID)
		last := all[len(all)-1]
		if last.Action != models.ActionDeleted || last.Changes.Data()["first_name"] != [2]string{"Trionyx", ""} {
			t.Fatalf("soft delete entry = %s %v", last.Action, last.Changes.Data())
		}
	})

	t.Run("hard delete", func(t *testing.T) {
		before := len(entriesFor(t, db, admin.ID))
		if err := db.Delete(admin).Error; err != nil {
			t.Fatal(err)
		}
		all := entriesFor(t, db, admin.ID)
		if len(all) != before+1 || all[len(all)-1].Action != models.ActionDeleted {
			t.Fatalf("entries after delete = %+v", all)
		}
	})
}

func TestDisabledEntity(t *testing.T) {
	_, db := setup(t)
	note := &Note{Body: "x"}
	if err := db.Create(note).Error; err != nil {
		t.Fatal(err)
	}
	var n int64
	db.Model(&models.AuditLogEntry{}).Count(&n)
	if n != 0 {
		t.Fatalf("audit entries = %d, want 0", n)
	}
}

func TestLatest(t *testing.T) {
	_, db := setup(t)
	admin := &models.User{Email: "admin@ex.com"}
	db.Create(admin)
	db.WithContext(reqctx.WithUser(context.Background(), admin)).Create(&models.User{Email: "b@ex.com"})

	tests := []struct {
		filter string
		want   int
	}{
		{FilterAll, 2},
		{FilterUser, 1},
		{FilterSystem, 1},
	}
	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			got, err := Latest(context.Background(), db, tt.filter, 6)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Fatalf("Latest(%s) = %d entries, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestAuditFailureKeepsChange(t *testing.T) {
	_, db := setup(t)
	if err := db.Migrator().DropTable(&models.AuditLogEntry{}); err != nil {
		t.Fatal(err)
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&models.User{Email: "first@ex.com"}).Error; err != nil {
			return err
		}
		return tx.Create(&models.User{Email: "second@ex.com"}).Error
	})
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	u := &models.User{Email: "single@ex.com"}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := db.Model(u).Update("first_name", "Ada").Error; err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	var n int64
	db.Model(&models.User{}).Count(&n)
	if n != 3 {
		t.Fatalf("users = %d, want 3", n)
	}
}
