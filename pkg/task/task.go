// Package task implements the director's task manager: it turns every
// mutating API call into a durable, observable background job with
// streaming log output, cancellation, and result surfacing. Each Task is
// a row in pkg/storage advancing queued -> processing -> {done, error,
// cancelled}, with an append-only log directory of debug/event/result
// files under the task's output directory.
package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/deploydirector/pkg/apierror"
	"github.com/cuemby/deploydirector/pkg/log"
	"github.com/cuemby/deploydirector/pkg/metrics"
	"github.com/cuemby/deploydirector/pkg/storage"
	"github.com/cuemby/deploydirector/pkg/types"
	"github.com/rs/zerolog"
)

// Body is the work a Task performs. It must observe ctx at its suspension
// points (agent RPCs, cloud calls, worker-pool barriers, lock acquisition,
// and explicitly before each instance update) and return promptly with
// apierror.KindCancelled once ctx is done. Its return value becomes the
// Task's result string.
type Body func(ctx context.Context, sink *Sink) (string, error)

// Manager creates, runs, and observes Tasks. One Manager is constructed
// per process at startup and handed down explicitly; there is no
// package-level instance.
type Manager struct {
	store     storage.Store
	outputDir string
	logger    zerolog.Logger

	queue chan int64

	mu        sync.Mutex
	cancels   map[int64]context.CancelFunc
	cancelled map[int64]bool
	bodies    map[int64]Body
}

// Config configures a Manager.
type Config struct {
	// OutputDir is the base directory under which each task gets a
	// subdirectory named after its id, holding debug/event/result files.
	OutputDir string
	// QueueDepth bounds the number of tasks that may be pending pickup
	// before Create blocks. A durable at-least-once queue (SQS, a
	// database-backed job table, etc.) would replace this channel in
	// production; Task pickup's queued -> processing CAS is what makes
	// redelivery safe either way.
	QueueDepth int
	// Workers is defaulted by New but not otherwise read; the number of
	// task workers is the argument passed to Start. Tasks of different
	// kinds may run in parallel; a
	// deployment task's own exclusivity comes from pkg/lock, not from
	// the task manager.
	Workers int
}

// New constructs a Manager over store. Call Start to begin pulling tasks.
func New(store storage.Store, cfg Config) *Manager {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Manager{
		store:     store,
		outputDir: cfg.OutputDir,
		logger:    log.WithComponent("task"),
		queue:     make(chan int64, cfg.QueueDepth),
		cancels:   make(map[int64]context.CancelFunc),
		cancelled: make(map[int64]bool),
		bodies:    make(map[int64]Body),
	}
}

// Create inserts a new Task row in state queued, allocates its output
// directory, and enqueues it for pickup. It returns immediately; the
// caller (typically the HTTP layer) is expected to redirect to the task's
// location without waiting for completion.
func (m *Manager) Create(kind types.TaskKind, description string, body Body) (*types.Task, error) {
	t := &types.Task{
		Kind:        kind,
		State:       types.TaskStateQueued,
		Timestamp:   time.Now().UTC(),
		Description: description,
	}
	if err := m.store.CreateTask(t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	t.OutputDir = filepath.Join(m.outputDir, fmt.Sprintf("%d", t.ID))
	if err := os.MkdirAll(t.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create task output dir: %w", err)
	}
	if err := m.store.UpdateTask(t); err != nil {
		return nil, fmt.Errorf("persist task output dir: %w", err)
	}

	m.mu.Lock()
	m.bodies[t.ID] = body
	m.mu.Unlock()

	m.queue <- t.ID
	m.logger.Info().Int64("task_id", t.ID).Str("kind", string(kind)).Msg("task created")
	return t, nil
}

// Start launches workers goroutines (4 when workers <= 0) draining the
// queue. It returns immediately; cancel ctx to stop pulling new work.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		go m.runWorker(ctx)
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.process(id)
		}
	}
}

// process executes the task identified by id. It takes an id rather than a
// Task so redelivery (a crash-restarted queue replaying an entry) is safe:
// the queued -> processing CAS discards stale entries.
func (m *Manager) process(id int64) {
	t, err := m.store.GetTask(id)
	if err != nil {
		m.logger.Error().Err(err).Int64("task_id", id).Msg("load task for pickup")
		return
	}

	ok, err := m.store.CompareAndSwapTaskState(id, types.TaskStateQueued, types.TaskStateProcessing)
	if err != nil {
		m.logger.Error().Err(err).Int64("task_id", id).Msg("task pickup CAS")
		return
	}
	if !ok {
		// Already picked up by another delivery of the same queue entry, or
		// cancelled while still queued; a queued cancellation has no body to
		// observe it, so settle it here.
		if cur, gerr := m.store.GetTask(id); gerr == nil && cur.State == types.TaskStateCancelling {
			cur.State = types.TaskStateCancelled
			cur.Result = "cancelled"
			if uerr := m.store.UpdateTask(cur); uerr != nil {
				m.logger.Error().Err(uerr).Int64("task_id", id).Msg("settle queued cancellation")
			}
		}
		m.mu.Lock()
		delete(m.bodies, id)
		delete(m.cancelled, id)
		m.mu.Unlock()
		return
	}
	t.State = types.TaskStateProcessing

	m.mu.Lock()
	body := m.bodies[id]
	delete(m.bodies, id)
	m.mu.Unlock()
	if body == nil {
		m.finish(t, "", apierror.New(apierror.KindNotFound, "no body registered for task %d", id), time.Now())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		delete(m.cancelled, id)
		m.mu.Unlock()
		cancel()
	}()

	sink, err := newSink(t.OutputDir)
	if err != nil {
		m.finish(t, "", fmt.Errorf("open task log sink: %w", err), time.Now())
		return
	}
	defer sink.Close()

	logger := log.WithTaskID(id)
	logger.Info().Str("kind", string(t.Kind)).Msg("task processing")
	sink.Eventf("task %d processing", id)

	pickedUpAt := time.Now()
	result, runErr := body(ctx, sink)
	m.finish(t, result, runErr, pickedUpAt)
}

func (m *Manager) finish(t *types.Task, result string, err error, pickedUpAt time.Time) {
	t.Result = result
	switch {
	case err == nil:
		t.State = types.TaskStateDone
	case apierror.Is(err, apierror.KindCancelled):
		t.State = types.TaskStateCancelled
		t.Result = "cancelled"
	default:
		t.State = types.TaskStateError
		if de, ok := apierror.AsDomainError(err); ok {
			t.Result = fmt.Sprintf("%s: %s", de.Kind, de.Description)
		} else {
			t.Result = err.Error()
		}
	}
	if uerr := m.store.UpdateTask(t); uerr != nil {
		m.logger.Error().Err(uerr).Int64("task_id", t.ID).Msg("persist task completion")
	}
	if t.OutputDir != "" {
		if werr := os.WriteFile(filepath.Join(t.OutputDir, "result"), []byte(t.Result+"\n"), 0o644); werr != nil {
			m.logger.Error().Err(werr).Int64("task_id", t.ID).Msg("write task result file")
		}
	}
	metrics.TasksTotal.WithLabelValues(string(t.Kind), string(t.State)).Inc()
	metrics.TaskDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(pickedUpAt).Seconds())
	m.logger.Info().Int64("task_id", t.ID).Str("state", string(t.State)).Msg("task finished")
}

// RequestCancel sets the task's state to cancelling if it is still
// queued or processing, and cancels the context passed to its Body.
func (m *Manager) RequestCancel(id int64) error {
	t, err := m.store.GetTask(id)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t.State != types.TaskStateQueued && t.State != types.TaskStateProcessing {
		return apierror.New(apierror.KindValidationFailed, "task %d is not cancellable in state %s", id, t.State)
	}
	t.State = types.TaskStateCancelling
	if err := m.store.UpdateTask(t); err != nil {
		return fmt.Errorf("mark task cancelling: %w", err)
	}

	m.mu.Lock()
	m.cancelled[id] = true
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// CancelRequested reports whether id has had cancellation requested. Task
// bodies should check this at their suspension points and return
// apierror.KindCancelled promptly when it is true.
func (m *Manager) CancelRequested(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[id]
}

// Get loads a Task by id.
func (m *Manager) Get(id int64) (*types.Task, error) {
	t, err := m.store.GetTask(id)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindNotFound, err, "task %d not found", id)
	}
	return t, nil
}

// List returns tasks, newest first, optionally filtered by state.
func (m *Manager) List(limit int, state types.TaskState) ([]*types.Task, error) {
	return m.store.ListTasks(limit, state)
}
