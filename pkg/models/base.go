package models

import (
	"strconv"
	"time"
)

// DefaultPermissions are the permission verbs created for every entity.
var DefaultPermissions = []string{"view", "add", "change", "delete"}

// BaseEntity carries the columns shared by every domain entity.
type BaseEntity struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
	CreatedByID *uint64   `gorm:"index" json:"created_by_id,omitempty"`
	CreatedBy   *User     `gorm:"foreignKey:CreatedByID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
	Deleted     bool      `gorm:"not null;default:false;index" json:"-"`
	VerboseName string    `gorm:"type:text" json:"verbose_name"`
}

// Entity is implemented by every struct embedding BaseEntity.
type Entity interface {
	Base() *BaseEntity
}

// Base returns the embedded base columns.
func (e *BaseEntity) Base() *BaseEntity { return e }

// String returns the stored display name.
func (e *BaseEntity) String() string {
	if e.VerboseName != "" {
		return e.VerboseName
	}
	return strconv.FormatUint(e.ID, 10)
}

// Price is a monetary amount rendered with the configured currency.
type Price float64

// File is an object storage key rendered as a download link.
type File string

// Email is rendered as a mailto link.
type Email string

// URL is rendered as an external link.
type URL string

// All lists the framework-owned tables in migration order.
func All() []any {
	return []any{
		&Permission{},
		&Group{},
		&User{},
		&UserAttribute{},
		&AuditLogEntry{},
		&TaskRecord{},
		&SystemVariable{},
		&Log{},
		&LogEntry{},
	}
}
