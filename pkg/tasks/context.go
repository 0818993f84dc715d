package tasks

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/search"
)

// Context is handed to Task.Run. It carries the wall limit deadline and
// the acting user, and persists progress as the task reports it.
type Context struct {
	context.Context
	Record  *models.TaskRecord
	runtime *Runtime
	logger  zerolog.Logger
}

// DB returns the database handle bound to the task context.
func (c *Context) DB() *gorm.DB { return c.runtime.db.WithContext(c) }

// Search returns the searcher used to select objects by term.
func (c *Context) Search() *search.Searcher { return c.runtime.opts.Search }

// Logger returns the task logger.
func (c *Context) Logger() *zerolog.Logger { return &c.logger }

// User returns the user that enqueued the task, or nil.
func (c *Context) User() *models.User { return reqctx.User(c) }

// SetProgress stores n clamped to [0, 100].
func (c *Context) SetProgress(n int) error {
	c.Record.Progress = min(max(n, 0), 100)
	return c.runtime.save(c, c.Record)
}

// AddOutput appends one line to the progress output.
func (c *Context) AddOutput(line string) error {
	c.logger.Info().Str("output", line).Msg("task output")
	c.Record.ProgressOutput = append(c.Record.ProgressOutput, line)
	return c.runtime.save(c, c.Record)
}

// Model returns the configuration of the target entity type.
func (c *Context) Model() (*registry.Config, error) {
	if c.Record.ObjectType == "" {
		return nil, errors.New("tasks: task has no model")
	}
	return c.runtime.models.Raw(c.Record.ObjectType)
}

// Object loads the target entity.
func (c *Context) Object() (any, error) {
	cfg, err := c.Model()
	if err != nil {
		return nil, err
	}
	if c.Record.ObjectID == nil {
		return nil, errors.New("tasks: task has no object")
	}
	return cfg.Get(c, c.runtime.db, *c.Record.ObjectID)
}
