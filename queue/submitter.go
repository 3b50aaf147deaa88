package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RunningCanceller delivers cooperative cancellation to in-flight executions.
// Implemented by *Pool.
type RunningCanceller interface {
	CancelRunning(taskID uuid.UUID) bool
}

// TaskState is the answer to a status query: the last durably recorded task
// state plus all execution records.
type TaskState struct {
	Task     Task              `json:"task"`
	Attempts []ExecutionRecord `json:"attempts"`
}

// Submitter is the producer-facing surface of the core: submit, query, cancel
// and inspect. Handler errors never reach it; execution is asynchronous and
// only submission-time errors (routing, backpressure) are returned here.
type Submitter struct {
	repo      SubmitterRepository
	router    *Router
	registry  *Registry
	canceller RunningCanceller
	logger    *slog.Logger
}

// NewSubmitter creates the external submission interface. The registry
// supplies default execution policies per task name.
func NewSubmitter(repo SubmitterRepository, router *Router, registry *Registry, opts ...SubmitterOption) (*Submitter, error) {
	if repo == nil {
		return nil, ErrRepositoryNil
	}
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if registry == nil {
		registry = NewRegistry()
	}

	options := &submitterOptions{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Submitter{
		repo:      repo,
		router:    router,
		registry:  registry,
		canceller: options.canceller,
		logger:    options.logger,
	}, nil
}

// Submit routes and enqueues a new task, returning its id. It fails with
// ErrRouting when the name resolves to no known queue and with ErrQueueFull
// under the reject backpressure policy.
func (s *Submitter) Submit(ctx context.Context, name string, args any, opts ...SubmitOption) (uuid.UUID, error) {
	if name == "" {
		return uuid.Nil, fmt.Errorf("task name cannot be empty")
	}

	options := &submitOptions{}
	for _, opt := range opts {
		opt(options)
	}

	res, err := s.router.Resolve(name, options.queue, options.priority)
	if err != nil {
		return uuid.Nil, err
	}

	task, err := s.buildTask(name, args, res, options)
	if err != nil {
		return uuid.Nil, err
	}

	if err := s.repo.CreateTask(ctx, task); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create task %q in queue %q: %w", name, task.Queue, err)
	}

	s.logger.Debug("task submitted",
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", name),
		slog.String("queue", task.Queue),
		slog.Int("priority", int(task.Priority)))

	return task.ID, nil
}

// GetStatus returns the current status and all execution records of a task.
func (s *Submitter) GetStatus(ctx context.Context, taskID uuid.UUID) (*TaskState, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.repo.ListAttempts(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskState{Task: *task, Attempts: attempts}, nil
}

// Cancel requests cancellation of a task. Queued and retry-scheduled tasks
// are cancelled immediately without execution; running tasks get a
// cooperative cancellation signal delivered to their handler context. The
// return value reports whether cancellation was accepted; terminal tasks
// report false.
func (s *Submitter) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	accepted, err := s.repo.CancelTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if accepted {
		s.logger.Info("task cancelled before execution", slog.String("task_id", taskID.String()))
		return true, nil
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status == TaskStatusRunning && s.canceller != nil {
		if s.canceller.CancelRunning(taskID) {
			s.logger.Info("cancellation signalled to running task", slog.String("task_id", taskID.String()))
			return true, nil
		}
	}
	return false, nil
}

// ListQueues returns every configured queue with its live depth.
func (s *Submitter) ListQueues(ctx context.Context) ([]QueueStats, error) {
	return s.repo.QueueStats(ctx)
}

// ListWorkers returns a snapshot of all worker slots, or nil when no pool is
// attached to this submitter.
func (s *Submitter) ListWorkers() []WorkerSlot {
	if lister, ok := s.canceller.(WorkerLister); ok {
		return lister.Workers()
	}
	return nil
}

func (s *Submitter) buildTask(name string, args any, res Resolution, options *submitOptions) (*Task, error) {
	var payload json.RawMessage
	switch v := args.(type) {
	case nil:
	case json.RawMessage:
		payload = v
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args of type %T: %w", args, err)
		}
		payload = b
	}

	policy := s.registry.Policy(name)
	maxRetries := policy.MaxRetries
	if options.maxRetries != nil {
		maxRetries = *options.maxRetries
	}
	timeout := policy.Timeout
	if options.timeout > 0 {
		timeout = options.timeout
	}
	backoff := policy.Backoff
	if options.backoff != nil {
		backoff = *options.backoff
	}

	now := time.Now()
	return &Task{
		ID:         uuid.New(),
		Name:       name,
		Queue:      res.Queue,
		Priority:   res.Priority,
		Args:       payload,
		Status:     TaskStatusPending,
		MaxRetries: maxRetries,
		Backoff:    backoff,
		Timeout:    timeout,
		NotBefore:  options.notBefore,
		EnqueuedAt: now,
		CreatedAt:  now,
	}, nil
}
