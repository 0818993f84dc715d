package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/applog"
	"trionyx/pkg/bus"
	"trionyx/pkg/cache"
	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/tasks"
	"trionyx/pkg/utils"
)

type usersApp struct{}

func (usersApp) Label() string { return "trionyx" }
func (usersApp) Models() []any { return []any{&models.User{}} }

type echoTask struct{}

func (echoTask) Name() string             { return "echo" }
func (echoTask) Countdown() time.Duration { return 0 }
func (echoTask) Run(_ *tasks.Context, args tasks.Args) (string, error) {
	return "echo " + args.String("text"), nil
}

type reportTask struct{}

func (reportTask) Name() string                                   { return "report" }
func (reportTask) Queue() string                                  { return "reports" }
func (reportTask) Run(*tasks.Context, tasks.Args) (string, error) { return "", nil }

type closer struct{ closed *bool }

func (c closer) Close() error {
	*c.closed = true
	return nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]bus.Handler
	durables []string
	ackWait  time.Duration
	closed   map[string]*bool
	fail     string
}

func newSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string]bus.Handler{}, closed: map[string]*bool{}}
}

func (s *fakeSubscriber) Subscribe(_ context.Context, subj, durable string, ackWait time.Duration, fn bus.Handler) (io.Closer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subj == s.fail {
		return nil, errors.New("stream missing")
	}
	s.handlers[subj] = fn
	s.durables = append(s.durables, durable)
	s.ackWait = ackWait
	closed := false
	s.closed[subj] = &closed
	return closer{closed: &closed}, nil
}

// publisher records messages for the test to deliver.
type publisher struct {
	msgs []bus.Msg
}

func (p *publisher) Publish(_ context.Context, subject string, v any, header map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h := nats.Header{}
	for k, val := range header {
		h.Set(k, val)
	}
	p.msgs = append(p.msgs, bus.Msg{Subject: subject, Data: data, Header: h})
	return nil
}

type fixture struct {
	db      *gorm.DB
	runtime *tasks.Runtime
	pub     *publisher
	sub     *fakeSubscriber
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(usersApp{}); err != nil {
		t.Fatal(err)
	}
	db := dbtest.Open(t, reg.Models()...)
	if err := reg.Install(db); err != nil {
		t.Fatal(err)
	}
	tr := tasks.NewRegistry()
	for _, task := range []tasks.Task{echoTask{}, reportTask{}} {
		if err := tr.Register(task); err != nil {
			t.Fatal(err)
		}
	}
	tr.Freeze()
	f := &fixture{db: db, pub: &publisher{}, sub: newSubscriber()}
	f.runtime = tasks.NewRuntime(db, reg, tr, f.pub, cache.NewMemory(), zerolog.Nop(), tasks.Options{WallLimit: time.Minute})
	return f
}

func TestStartSubscribesEveryQueue(t *testing.T) {
	f := setup(t)
	w, err := New(f.sub, f.runtime, nil, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if want := []string{"default", "reports"}; !reflect.DeepEqual(w.Queues(), want) {
		t.Fatalf("Queues() = %v, want %v", w.Queues(), want)
	}
	if want := []string{"trionyx-worker-default", "trionyx-worker-reports"}; !reflect.DeepEqual(f.sub.durables, want) {
		t.Fatalf("durables = %v, want %v", f.sub.durables, want)
	}
	if want := time.Minute + tasks.LockGrace; f.sub.ackWait != want {
		t.Fatalf("ackWait = %v, want %v", f.sub.ackWait, want)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("second Start() succeeded")
	}

	if err := w.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for subj, closed := range f.sub.closed {
		if !*closed {
			t.Fatalf("subscription %s not closed", subj)
		}
	}
}

func TestDeliveredTaskRuns(t *testing.T) {
	f := setup(t)
	w, err := New(f.sub, f.runtime, nil, zerolog.Nop(), Options{Queues: []string{"default"}})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	rec, err := f.runtime.Delay(ctx, "echo", tasks.DelayOptions{Args: tasks.Args{"text": "hi"}})
	if err != nil {
		t.Fatalf("Delay() error = %v", err)
	}
	msg := f.pub.msgs[len(f.pub.msgs)-1]
	handler, ok := f.sub.handlers[msg.Subject]
	if !ok {
		t.Fatalf("no consumer for %s", msg.Subject)
	}
	if err := handler(ctx, msg); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	var got models.TaskRecord
	if err := f.db.Where("task_id = ?", rec.TaskID).Take(&got).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskCompleted || got.Result != "echo hi" {
		t.Fatalf("record = %s %q, want completed %q", got.Status, got.Result, "echo hi")
	}
}

func TestStartRecoversStoppedTasks(t *testing.T) {
	f := setup(t)
	started := time.Now().UTC().Add(-time.Hour)
	stale := &models.TaskRecord{TaskID: "stale", Identifier: "echo", Status: models.TaskRunning, StartedAt: &started}
	if err := f.db.Create(stale).Error; err != nil {
		t.Fatal(err)
	}

	w, err := New(f.sub, f.runtime, nil, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(ctx)

	var got models.TaskRecord
	if err := f.db.First(&got, stale.ID).Error; err != nil {
		t.Fatal(err)
	}
	if got.Status != models.TaskFailed || got.Result != tasks.ResultStopped {
		t.Fatalf("record = %s %q, want failed %q", got.Status, got.Result, tasks.ResultStopped)
	}
}

func TestStartFailsOnSubscribeError(t *testing.T) {
	f := setup(t)
	f.sub.fail = f.runtime.Subject("reports")
	w, err := New(f.sub, f.runtime, nil, zerolog.Nop(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("Start() succeeded with a failing subscription")
	}
	if !*f.sub.closed[f.runtime.Subject("default")] {
		t.Fatal("earlier subscription left open")
	}
}

func TestCleanup(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	for _, l := range []models.Log{
		{Level: "error", File: "a.go", Line: 1, MessageHash: "old", FirstSeen: now.AddDate(0, 0, -60), LastSeen: now.AddDate(0, 0, -40)},
		{Level: "error", File: "a.go", Line: 2, MessageHash: "new", FirstSeen: now.AddDate(0, 0, -60), LastSeen: now.AddDate(0, 0, -1)},
	} {
		if err := f.db.Create(&l).Error; err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name      string
		retention int
		want      int64
	}{
		{name: "disabled", retention: 0, want: 0},
		{name: "thirty days", retention: 30, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := New(f.sub, f.runtime, applog.New(f.db, 1), zerolog.Nop(), Options{LogRetention: tt.retention})
			if err != nil {
				t.Fatal(err)
			}
			got, err := w.Cleanup(context.Background())
			if err != nil {
				t.Fatalf("Cleanup() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("Cleanup() = %d, want %d", got, tt.want)
			}
		})
	}

	var left []string
	if err := f.db.Model(&models.Log{}).Pluck("message_hash", &left).Error; err != nil {
		t.Fatal(err)
	}
	if want := []string{"new"}; !reflect.DeepEqual(left, want) {
		t.Fatalf("remaining logs = %v, want %v", left, want)
	}
}

func TestNewValidates(t *testing.T) {
	f := setup(t)
	if _, err := New(nil, f.runtime, nil, zerolog.Nop(), Options{}); err == nil {
		t.Fatal("New() accepted a nil subscriber")
	}
	if _, err := New(f.sub, nil, nil, zerolog.Nop(), Options{}); err == nil {
		t.Fatal("New() accepted a nil runtime")
	}
}
