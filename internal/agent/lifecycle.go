package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"surveyagent/internal/domain"
	"surveyagent/internal/logging"
	"surveyagent/internal/protocol"
)

// Worker is what a concrete agent provides; Lifecycle supplies the shared
// message handling on top of it.
type Worker interface {
	Identity() domain.AgentIdentity
	ProcessTask(ctx context.Context, in domain.TaskInput) (domain.SurveyDecision, error)
	SendMessage(ctx context.Context, recipient string, env protocol.Envelope) error
	WriteLTM(ctx context.Context, key string, value any) bool
	ReadLTM(ctx context.Context, key string, dst any) bool
}

type State string

const (
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateFailed    State = "failed"
)

var ErrTaskTimeout = errors.New("task timed out")

// reportTimeout bounds the completion report handoff.
const reportTimeout = 5 * time.Second

// PanicError is returned when a task panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("task panicked: %v", e.Value) }

type LifecycleStats struct {
	State         State  `json:"state"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	Running       int    `json:"running"`
	Completed     int    `json:"tasks_completed"`
	Failed        int    `json:"tasks_failed"`
	LastError     string `json:"last_error,omitempty"`
}

type Lifecycle struct {
	worker  Worker
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	running   map[string]struct{}
	current   string
	completed int
	failed    int
	lastErr   string
}

// NewLifecycle admits at most maxConcurrent tasks at once (minimum 1). A
// timeout of zero disables the per-task deadline.
func NewLifecycle(w Worker, maxConcurrent int, timeout time.Duration, log *zap.Logger) *Lifecycle {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Lifecycle{
		worker:  w,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
		log:     logging.OrNop(log),
		state:   StateIdle,
		running: map[string]struct{}{},
	}
}

// HandleIncomingMessage parses raw and executes task assignments. It returns
// the completion report that was handed to the worker, or nil for messages
// that produce no report. Only an unparseable envelope yields an error. The
// task slot stays taken until the report has been handed off, so the next
// task cannot start before this one has reported.
func (l *Lifecycle) HandleIncomingMessage(ctx context.Context, raw []byte) (*protocol.Envelope, error) {
	env, err := protocol.Parse(raw)
	if err != nil {
		l.log.Warn("Rejected inbound message", zap.Error(err))
		return nil, err
	}
	log := l.log.With(zap.String("message_id", env.MessageID), zap.String("sender", env.Sender), zap.String("type", string(env.Type)))

	if env.Type != protocol.TypeTaskAssignment {
		log.Info("Ignoring non-task message")
		return nil, nil
	}

	var report protocol.CompletionReport
	task, err := env.TaskAssignment()
	if err != nil {
		log.Warn("Invalid task payload", zap.Error(err))
		report = protocol.Failure(protocol.ErrorTypeValidation, err.Error())
	} else {
		log.Info("Task received", zap.String("task", task.Name), zap.String("user_id", task.Input.UserID))
		s, admitErr := l.admit(ctx, env.MessageID, task.Input)
		if admitErr != nil {
			report = Report(domain.SurveyDecision{}, admitErr)
		} else {
			defer s.release()
			decision, runErr := l.execute(ctx, env.MessageID, task.Input, s)
			report = Report(decision, runErr)
		}
	}

	out, err := protocol.NewCompletionReport(env, l.worker.Identity().AgentID, report)
	if err != nil {
		log.Error("Building completion report failed", zap.Error(err))
		return nil, err
	}
	// the caller's deadline may already be gone; a FAILED report still has to go out
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	if err := l.worker.SendMessage(sendCtx, out.Recipient, out); err != nil {
		log.Warn("Completion report not delivered", zap.Error(err))
	}
	log.Info("Task completed", zap.String("status", string(report.Status)), zap.String("report_id", out.MessageID))
	return &out, nil
}

// Run executes one task under the concurrency limit and the task timeout.
// Invalid input is rejected before a slot is taken.
func (l *Lifecycle) Run(ctx context.Context, taskID string, in domain.TaskInput) (domain.SurveyDecision, error) {
	s, err := l.admit(ctx, taskID, in)
	if err != nil {
		return domain.SurveyDecision{}, err
	}
	defer s.release()
	return l.execute(ctx, taskID, in, s)
}

// slot is one semaphore unit shared by the caller and the task goroutine. It
// returns to the semaphore when both have let go of it.
type slot struct {
	sem  *semaphore.Weighted
	refs atomic.Int32
}

func (s *slot) hold() { s.refs.Add(1) }

func (s *slot) release() {
	if s.refs.Add(-1) == 0 {
		s.sem.Release(1)
	}
}

func (l *Lifecycle) admit(ctx context.Context, taskID string, in domain.TaskInput) (*slot, error) {
	if err := in.Validate(); err != nil {
		l.record(taskID, err)
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w waiting for a task slot", ErrTaskTimeout)
		} else {
			err = fmt.Errorf("waiting for a task slot: %w", err)
		}
		l.record(taskID, err)
		return nil, err
	}
	s := &slot{sem: l.sem}
	s.refs.Store(1)
	return s, nil
}

func (l *Lifecycle) execute(ctx context.Context, taskID string, in domain.TaskInput, s *slot) (domain.SurveyDecision, error) {
	l.begin(taskID)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if l.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		decision domain.SurveyDecision
		err      error
	}
	done := make(chan result, 1)
	s.hold()
	go func() {
		var res result
		defer func() { done <- res }()
		defer s.release()
		defer l.end(taskID)
		defer func() {
			if r := recover(); r != nil {
				res = result{err: &PanicError{Value: r}}
			}
		}()
		res.decision, res.err = l.worker.ProcessTask(runCtx, in)
	}()

	var res result
	select {
	case res = <-done:
		if res.err != nil && runCtx.Err() != nil && errors.Is(res.err, runCtx.Err()) {
			res.err = l.stopped(ctx)
		}
	case <-runCtx.Done():
		res.err = l.stopped(ctx)
	}
	l.record(taskID, res.err)
	return res.decision, res.err
}

// stopped reports why a run context ended. A caller deadline counts as a
// timeout too.
func (l *Lifecycle) stopped(parent context.Context) error {
	switch {
	case errors.Is(parent.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: caller deadline exceeded", ErrTaskTimeout)
	case parent.Err() != nil:
		return parent.Err()
	default:
		return fmt.Errorf("%w after %s", ErrTaskTimeout, l.timeout)
	}
}

// Report converts the outcome of Run into a completion report.
func Report(d domain.SurveyDecision, err error) protocol.CompletionReport {
	if err == nil {
		return protocol.Success(d)
	}
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return protocol.Failure(protocol.ErrorTypeValidation, err.Error())
	case errors.Is(err, ErrTaskTimeout):
		return protocol.Failure(protocol.ErrorTypeTimeout, err.Error())
	default:
		return protocol.Failure(protocol.ErrorTypeExecution, err.Error())
	}
}

func (l *Lifecycle) Stats() LifecycleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LifecycleStats{
		State:         l.state,
		CurrentTaskID: l.current,
		Running:       len(l.running),
		Completed:     l.completed,
		Failed:        l.failed,
		LastError:     l.lastErr,
	}
}

func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) begin(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[taskID] = struct{}{}
	l.current = taskID
	l.transition(StateExecuting)
}

// end runs when the task goroutine exits, which may be after a timeout was reported.
func (l *Lifecycle) end(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.running, taskID)
	if len(l.running) == 0 {
		l.current = ""
		l.transition(StateIdle)
	}
}

func (l *Lifecycle) record(taskID string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.completed++
		return
	}
	l.failed++
	l.lastErr = err.Error()
	l.log.Warn("Task failed", zap.String("task_id", taskID), zap.Error(err))
	if len(l.running) == 0 {
		l.transition(StateFailed)
		l.transition(StateIdle)
		return
	}
	if _, ok := l.running[taskID]; ok {
		l.transition(StateFailed)
	}
}

func (l *Lifecycle) transition(to State) {
	if l.state == to {
		return
	}
	l.log.Debug("Agent state", zap.String("from", string(l.state)), zap.String("to", string(to)))
	l.state = to
}
