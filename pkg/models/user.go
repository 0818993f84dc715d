package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Permission is a stored permission codename such as "blog.change_post".
type Permission struct {
	ID       uint64 `gorm:"primaryKey" json:"id"`
	Codename string `gorm:"type:text;uniqueIndex;not null" json:"codename"`
	Name     string `gorm:"type:text" json:"name"`
}

// Group bundles permissions assigned to many users.
type Group struct {
	ID          uint64       `gorm:"primaryKey" json:"id"`
	Name        string       `gorm:"type:text;uniqueIndex;not null" json:"name"`
	Permissions []Permission `gorm:"many2many:group_permissions" json:"-"`
}

// User is the framework account entity.
type User struct {
	BaseEntity
	Email       Email        `gorm:"type:text;uniqueIndex;not null" json:"email"`
	Password    string       `gorm:"type:text" json:"-"`
	FirstName   string       `gorm:"type:text;not null;default:''" json:"first_name"`
	LastName    string       `gorm:"type:text;not null;default:''" json:"last_name"`
	IsActive    bool         `gorm:"not null" json:"is_active"`
	IsSuperuser bool         `gorm:"not null" json:"is_superuser"`
	LastOnline  *time.Time   `json:"last_online"`
	Avatar      File         `gorm:"type:text" json:"avatar"`
	Locale      string       `gorm:"type:text" json:"locale"`
	Timezone    string       `gorm:"type:text" json:"timezone"`
	Groups      []Group      `gorm:"many2many:user_groups" json:"-"`
	Permissions []Permission `gorm:"many2many:user_permissions" json:"-"`
}

// FullName joins first and last name, falling back to the email address.
func (u *User) FullName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return string(u.Email)
	}
	return name
}

// SetPassword stores a bcrypt hash of raw.
func (u *User) SetPassword(raw string) error {
	if raw == "" {
		return errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.Password = string(hash)
	return nil
}

// CheckPassword reports whether raw matches the stored hash.
func (u *User) CheckPassword(raw string) bool {
	if u.Password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(raw)) == nil
}

// UserAttribute is a per-user JSON value keyed by code.
type UserAttribute struct {
	ID     uint64         `gorm:"primaryKey" json:"id"`
	UserID uint64         `gorm:"not null;uniqueIndex:idx_user_attribute" json:"user_id"`
	User   *User          `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Code   string         `gorm:"type:text;not null;uniqueIndex:idx_user_attribute" json:"code"`
	Value  datatypes.JSON `json:"value"`
}

// GetAttribute decodes the attribute code of user into dest and reports
// whether it was set.
func GetAttribute(db *gorm.DB, userID uint64, code string, dest any) (bool, error) {
	var attr UserAttribute
	err := db.Where("user_id = ? AND code = ?", userID, code).Take(&attr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(attr.Value) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(attr.Value, dest)
}

// SetAttribute stores v as the attribute code of user.
func SetAttribute(db *gorm.DB, userID uint64, code string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	attr := UserAttribute{UserID: userID, Code: code, Value: datatypes.JSON(raw)}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&attr).Error
}
