package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/bus"
	"trionyx/pkg/cache"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/search"
	"trionyx/pkg/telemetry"
)

const (
	// DefaultQueue receives tasks that do not name a queue.
	DefaultQueue = "default"
	// DefaultCountdown delays execution so the enqueuing transaction can
	// commit first.
	DefaultCountdown = 2 * time.Second
	// DefaultWallLimit bounds one execution.
	DefaultWallLimit = 30 * time.Minute
	// LockGrace is added to the wall limit for lock TTLs and recovery.
	LockGrace = 60 * time.Second
	// LockedRetry is the redelivery delay of a task whose lock is held.
	LockedRetry = 30 * time.Second
	// UserHeader carries the id of the enqueuing user.
	UserHeader = "Trionyx-Task-User"

	// ResultCompleted is stored when a task returns no result.
	ResultCompleted = "Task completed"
	// ResultStopped is stored by Recover.
	ResultStopped = "Task unexpectedly stopped"
)

// Message is the broker payload of one task execution.
type Message struct {
	TaskID     string        `json:"task_id"`
	Name       string        `json:"name"`
	Args       Args          `json:"args,omitempty"`
	Queue      string        `json:"queue"`
	ETA        *time.Time    `json:"eta,omitempty"`
	Countdown  time.Duration `json:"countdown,omitempty"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// Due returns when the message may run.
func (m Message) Due() time.Time {
	if m.ETA != nil {
		return *m.ETA
	}
	return m.EnqueuedAt.Add(m.Countdown)
}

// Publisher submits task messages to the broker. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any, header map[string]string) error
}

// Options tune a Runtime.
type Options struct {
	// Subject prefix; queue names are appended.
	Subject   string
	WallLimit time.Duration
	// Search narrows mass selections the way list views do. Defaults to
	// substring matching.
	Search *search.Searcher
}

// Runtime enqueues and executes tasks.
type Runtime struct {
	db     *gorm.DB
	models *registry.Registry
	tasks  *Registry
	pub    Publisher
	cache  cache.Cache
	logger zerolog.Logger
	opts   Options
	now    func() time.Time
}

// NewRuntime wires a runtime. pub may be nil for worker-only use.
func NewRuntime(db *gorm.DB, models *registry.Registry, tasks *Registry, pub Publisher, c cache.Cache, logger zerolog.Logger, opts Options) *Runtime {
	if opts.Subject == "" {
		opts.Subject = "trionyx.tasks"
	}
	if opts.WallLimit <= 0 {
		opts.WallLimit = DefaultWallLimit
	}
	if opts.Search == nil {
		opts.Search = search.New(models, nil, logger)
	}
	return &Runtime{
		db:     db,
		models: models,
		tasks:  tasks,
		pub:    pub,
		cache:  c,
		logger: logger.With().Str("component", "tasks").Logger(),
		opts:   opts,
		now:    time.Now,
	}
}

// Tasks returns the task registry.
func (r *Runtime) Tasks() *Registry { return r.tasks }

// Subject returns the broker subject of queue.
func (r *Runtime) Subject(queue string) string {
	return r.opts.Subject + "." + queue
}

// WallLimit returns the execution bound of one task.
func (r *Runtime) WallLimit() time.Duration { return r.opts.WallLimit }

// DelayOptions describe one enqueue.
type DelayOptions struct {
	Args Args
	// User defaults to the acting user of ctx.
	User        *models.User
	Description string
	// Object is the target entity. Its type overrides Model.
	Object any
	Model  any
	// ETA schedules the task instead of queueing it.
	ETA   *time.Time
	Queue string
}

// Delay records and publishes one execution of the task called name.
func (r *Runtime) Delay(ctx context.Context, name string, opts DelayOptions) (*models.TaskRecord, error) {
	task, err := r.tasks.Get(name)
	if err != nil {
		return nil, err
	}
	if r.pub == nil {
		return nil, errors.New("tasks: runtime has no publisher")
	}

	user := opts.User
	if user == nil {
		user = reqctx.User(ctx)
	}

	rec := &models.TaskRecord{
		TaskID:         uuid.NewString(),
		Identifier:     name,
		Description:    opts.Description,
		Status:         models.TaskQueued,
		Queue:          opts.Queue,
		ProgressOutput: []string{},
	}
	if rec.Description == "" {
		rec.Description = describe(task)
	}
	if rec.Queue == "" {
		rec.Queue = queueOf(task)
	}
	if user != nil && user.ID != 0 {
		id := user.ID
		rec.UserID = &id
	}
	if opts.ETA != nil {
		rec.Status = models.TaskScheduled
		rec.ScheduledAt = opts.ETA
	}
	if err := r.target(rec, task, opts); err != nil {
		return nil, err
	}

	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("tasks: create record: %w", err)
	}

	msg := Message{
		TaskID:     rec.TaskID,
		Name:       name,
		Args:       opts.Args,
		Queue:      rec.Queue,
		ETA:        opts.ETA,
		EnqueuedAt: r.now().UTC(),
	}
	if opts.ETA == nil {
		msg.Countdown = countdownOf(task)
	}
	header := map[string]string{}
	if rec.UserID != nil {
		header[UserHeader] = strconv.FormatUint(*rec.UserID, 10)
	}
	if err := r.pub.Publish(ctx, r.Subject(rec.Queue), msg, header); err != nil {
		rec.Status = models.TaskFailed
		rec.Result = "Could not enqueue task: " + err.Error()
		_ = r.db.WithContext(context.WithoutCancel(ctx)).Save(rec).Error
		return rec, fmt.Errorf("tasks: publish %s: %w", name, err)
	}

	r.logger.Info().Str("task", name).Str("task_id", rec.TaskID).Str("queue", rec.Queue).Msg("task queued")
	return rec, nil
}

func (r *Runtime) target(rec *models.TaskRecord, task Task, opts DelayOptions) error {
	model := opts.Model
	if model == nil {
		if m, ok := task.(Modeler); ok {
			model = m.Model()
		}
	}
	if opts.Object != nil {
		model = opts.Object
	}
	if model == nil {
		return nil
	}
	cfg, err := r.models.Raw(model)
	if err != nil {
		return fmt.Errorf("tasks: target model: %w", err)
	}
	rec.ObjectType = cfg.Alias()
	if opts.Object != nil {
		if id := cfg.ID(opts.Object); id != 0 {
			rec.ObjectID = &id
			rec.ObjectVerboseName = cfg.FormatVerboseName(opts.Object)
		}
	}
	return nil
}

// Handle is the broker handler. Messages that are not yet due are
// redelivered when they are.
func (r *Runtime) Handle(ctx context.Context, msg bus.Msg) error {
	var m Message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		r.logger.Error().Err(err).Str("subject", msg.Subject).Msg("drop undecodable task message")
		return nil
	}
	if wait := m.Due().Sub(r.now()); wait > 0 {
		return bus.Delay(wait)
	}
	return r.Execute(ctx, m, msg.Header.Get(UserHeader))
}

// Execute runs m to completion, recording every transition. userID is the
// raw UserHeader value.
func (r *Runtime) Execute(ctx context.Context, m Message, userID string) error {
	state := reqctx.New(nil)
	defer state.Clear()
	ctx = reqctx.With(ctx, state)
	if user := r.loadUser(ctx, userID); user != nil {
		state.SetUser(user)
	}

	log := r.logger.With().Str("task", m.Name).Str("task_id", m.TaskID).Logger()

	rec, err := r.record(ctx, m)
	if err != nil {
		return err
	}
	if rec.Terminal() {
		log.Debug().Str("status", rec.Status).Msg("skip finished task")
		return nil
	}

	task, err := r.tasks.Get(m.Name)
	if err != nil {
		rec.Status = models.TaskFailed
		rec.Result = err.Error()
		log.Error().Err(err).Msg("unknown task")
		return r.save(ctx, rec)
	}

	if locks(task) && rec.ObjectID != nil {
		lock := cache.NewLock(r.cache, r.opts.WallLimit+LockGrace, "TASK_LOCK", m.Name, rec.ObjectType, *rec.ObjectID)
		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("tasks: acquire lock: %w", err)
		}
		if !ok {
			log.Warn().Str("object_type", rec.ObjectType).Uint64("object_id", *rec.ObjectID).Msg("task locked, retrying later")
			rec.Status = models.TaskLocked
			if err := r.save(ctx, rec); err != nil {
				return err
			}
			return bus.Delay(LockedRetry)
		}
		defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()
	}

	return r.run(ctx, task, rec, m.Args, log)
}

func (r *Runtime) run(ctx context.Context, task Task, rec *models.TaskRecord, args Args, log zerolog.Logger) error {
	runCtx, cancel := context.WithTimeout(ctx, r.opts.WallLimit)
	defer cancel()

	started := r.now().UTC()
	rec.Status = models.TaskRunning
	rec.StartedAt = &started
	if err := r.save(ctx, rec); err != nil {
		return err
	}
	log.Info().Msg("task started")

	tc := &Context{Context: runCtx, Record: rec, runtime: r, logger: log}
	result, err := safeRun(task, tc, args)

	elapsed := r.now().Sub(started)
	rec.ExecutionTime = int(elapsed.Seconds())
	rec.Progress = 100
	if err != nil {
		rec.Status = models.TaskFailed
		rec.Result = err.Error()
		log.Error().Err(err).Dur("duration", elapsed).Msg("task failed")
	} else {
		if result == "" {
			result = ResultCompleted
		}
		rec.Status = models.TaskCompleted
		rec.Result = result
		log.Info().Dur("duration", elapsed).Msg("task completed")
	}
	telemetry.RecordTask(task.Name(), rec.Status, elapsed)
	return r.save(context.WithoutCancel(ctx), rec)
}

func safeRun(task Task, ctx *Context, args Args) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if args == nil {
		args = Args{}
	}
	return task.Run(ctx, args)
}

// record loads the TaskRecord of m, creating one for messages published
// outside Delay.
func (r *Runtime) record(ctx context.Context, m Message) (*models.TaskRecord, error) {
	rec := &models.TaskRecord{}
	err := r.db.WithContext(ctx).
		Where(models.TaskRecord{TaskID: m.TaskID}).
		Attrs(models.TaskRecord{
			Identifier:     m.Name,
			Description:    m.Name,
			Status:         models.TaskQueued,
			Queue:          m.Queue,
			ProgressOutput: []string{},
		}).
		FirstOrCreate(rec).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: load record %s: %w", m.TaskID, err)
	}
	return rec, nil
}

func (r *Runtime) loadUser(ctx context.Context, raw string) *models.User {
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		r.logger.Warn().Str("header", raw).Msg("invalid task user header")
		return nil
	}
	user := &models.User{}
	if err := r.db.WithContext(ctx).Where("deleted = ?", false).Take(user, id).Error; err != nil {
		r.logger.Warn().Err(err).Uint64("user_id", id).Msg("load task user")
		return nil
	}
	return user
}

func (r *Runtime) save(ctx context.Context, rec *models.TaskRecord) error {
	if err := r.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("tasks: save record %s: %w", rec.TaskID, err)
	}
	return nil
}

// Recover fails every running or locked record started longer ago than
// the wall limit plus LockGrace and returns how many it changed.
func (r *Runtime) Recover(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-(r.opts.WallLimit + LockGrace))
	res := r.db.WithContext(ctx).
		Model(&models.TaskRecord{}).
		Where("status IN ? AND started_at < ?", []string{models.TaskRunning, models.TaskLocked}, cutoff).
		Updates(map[string]any{"status": models.TaskFailed, "result": ResultStopped})
	if res.Error != nil {
		return 0, fmt.Errorf("tasks: recover: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		telemetry.TasksRecovered.Add(float64(res.RowsAffected))
		r.logger.Warn().Int64("count", res.RowsAffected).Msg("marked unexpectedly stopped tasks failed")
	}
	return res.RowsAffected, nil
}

// Schedule runs Recover on c with spec, e.g. "@every 15m".
func (r *Runtime) Schedule(ctx context.Context, c *cron.Cron, spec string) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		if _, err := r.Recover(ctx); err != nil {
			r.logger.Error().Err(err).Msg("task recovery")
		}
	})
}
