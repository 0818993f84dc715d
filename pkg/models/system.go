package models

import (
	"time"

	"gorm.io/datatypes"
)

// Audit actions.
const (
	ActionAdded   = "added"
	ActionChanged = "changed"
	ActionDeleted = "deleted"
)

// Changes maps a field name to its (old, new) rendered values.
type Changes map[string][2]string

// AuditLogEntry is an immutable record of one change to an entity.
type AuditLogEntry struct {
	ID                uint64                      `gorm:"primaryKey" json:"id"`
	ContentType       string                      `gorm:"type:text;not null;index:idx_audit_object" json:"content_type"`
	ObjectID          uint64                      `gorm:"not null;index:idx_audit_object" json:"object_id"`
	ObjectVerboseName string                      `gorm:"type:text" json:"object_verbose_name"`
	UserID            *uint64                     `gorm:"index" json:"user_id"`
	User              *User                       `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	Action            string                      `gorm:"type:text;not null" json:"action"`
	Changes           datatypes.JSONType[Changes] `json:"changes"`
	CreatedAt         time.Time                   `gorm:"not null;index;autoCreateTime" json:"created_at"`
}

// Task statuses.
const (
	TaskScheduled = "scheduled"
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskLocked    = "locked"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskRecord mirrors the lifecycle of one broker task.
type TaskRecord struct {
	ID                uint64                      `gorm:"primaryKey" json:"id"`
	TaskID            string                      `gorm:"type:text;uniqueIndex;not null" json:"task_id"`
	Identifier        string                      `gorm:"type:text;not null;index" json:"identifier"`
	Description       string                      `gorm:"type:text" json:"description"`
	Status            string                      `gorm:"type:text;not null;index" json:"status"`
	ScheduledAt       *time.Time                  `json:"scheduled_at"`
	StartedAt         *time.Time                  `json:"started_at"`
	ExecutionTime     int                         `gorm:"not null;default:0" json:"execution_time"`
	Progress          int                         `gorm:"not null;default:0" json:"progress"`
	ProgressOutput    datatypes.JSONSlice[string] `json:"progress_output"`
	Result            string                      `gorm:"type:text" json:"result"`
	UserID            *uint64                     `gorm:"index" json:"user_id"`
	User              *User                       `gorm:"constraint:OnDelete:SET NULL" json:"-"`
	ObjectType        string                      `gorm:"type:text;index:idx_task_object" json:"object_type"`
	ObjectID          *uint64                     `gorm:"index:idx_task_object" json:"object_id"`
	ObjectVerboseName string                      `gorm:"type:text" json:"object_verbose_name"`
	Queue             string                      `gorm:"type:text" json:"queue"`
	CreatedAt         time.Time                   `gorm:"not null;autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// Terminal reports whether the record reached a final status.
func (r *TaskRecord) Terminal() bool {
	return r.Status == TaskCompleted || r.Status == TaskFailed
}

// SystemVariable is a process-wide named value.
type SystemVariable struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	Code      string         `gorm:"type:text;uniqueIndex;not null" json:"code"`
	Value     datatypes.JSON `json:"value"`
	Secret    bool           `gorm:"not null;default:false" json:"secret"`
	Version   uint64         `gorm:"not null;default:0" json:"version"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// Log is a deduplicated application log bucket.
type Log struct {
	ID          uint64     `gorm:"primaryKey" json:"id"`
	Level       string     `gorm:"type:text;not null;uniqueIndex:idx_log_bucket" json:"level"`
	File        string     `gorm:"type:text;not null;uniqueIndex:idx_log_bucket" json:"file"`
	Line        int        `gorm:"not null;uniqueIndex:idx_log_bucket" json:"line"`
	MessageHash string     `gorm:"type:text;not null;uniqueIndex:idx_log_bucket" json:"message_hash"`
	Message     string     `gorm:"type:text" json:"message"`
	Traceback   string     `gorm:"type:text" json:"traceback"`
	FirstSeen   time.Time  `gorm:"not null" json:"first_seen"`
	LastSeen    time.Time  `gorm:"not null;index" json:"last_seen"`
	Count       int64      `gorm:"not null;default:0" json:"count"`
	Entries     []LogEntry `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// LogEntry is one occurrence of a Log.
type LogEntry struct {
	ID        uint64    `gorm:"primaryKey" json:"id"`
	LogID     uint64    `gorm:"not null;index" json:"log_id"`
	LogAt     time.Time `gorm:"not null" json:"log_at"`
	UserAgent string    `gorm:"type:text" json:"user_agent"`
	UserID    *uint64   `json:"user_id"`
}
