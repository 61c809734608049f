// Package machine drives a task through generation, validation, fix and
// launch phases. The front end is stateless per invocation, so every phase
// transition is checkpointed through the registry before Advance returns;
// any later invocation reconstructs where it left off from the registry and
// from attempt files on disk. Those same durable markers make Advance
// idempotent: re-running a phase with no new input produces no duplicate
// generation calls and no duplicate port allocations.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomlabs/loom/internal/gateway"
	"github.com/loomlabs/loom/internal/models"
	"github.com/loomlabs/loom/internal/ports"
	"github.com/loomlabs/loom/internal/registry"
	"github.com/loomlabs/loom/internal/supervisor"
	"github.com/loomlabs/loom/internal/validate"
	"github.com/loomlabs/loom/internal/workspace"
)

// Validator is the static-check collaborator.
type Validator interface {
	Validate(ctx context.Context, path string) validate.Result
}

// PortSource hands out unused ports, skipping those already in use.
type PortSource interface {
	Acquire(inUse map[int]bool) (int, error)
}

// Launcher spawns a validated artifact and confirms it survived startup.
type Launcher interface {
	Launch(artifactPath string, port int) (*models.RunningInstance, error)
	Stop(pid int) error
}

type Machine struct {
	maxAttempts int

	reg       *registry.Registry
	ws        *workspace.Workspace
	gw        gateway.Gateway
	validator Validator
	ports     PortSource
	launcher  Launcher

	alive func(pid int) bool
}

func New(maxAttempts int, reg *registry.Registry, ws *workspace.Workspace,
	gw gateway.Gateway, v Validator, p PortSource, l Launcher) *Machine {
	return &Machine{
		maxAttempts: maxAttempts,
		reg:         reg,
		ws:          ws,
		gw:          gw,
		validator:   v,
		ports:       p,
		launcher:    l,
		alive:       supervisor.Alive,
	}
}

// CreateTask records a new pending task for a description.
func (m *Machine) CreateTask(description string) (*models.Task, error) {
	if len(description) == 0 {
		return nil, errors.New("task description must not be empty")
	}
	task := &models.Task{
		ID:          uuid.NewString()[:8],
		Description: description,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.reg.UpsertTask(task); err != nil {
		return nil, err
	}
	slog.Info("task created", "task", task.ID)
	return task, nil
}

// Advance performs the work of at most one phase and checkpoints the result
// before returning. Failures never escape as faults: they are recorded on
// the task (status failed, lastError set) so the control loop can always
// resume. The returned error is reserved for registry I/O problems.
func (m *Machine) Advance(ctx context.Context, taskID string) (task *models.Task, err error) {
	task, err = m.reg.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("loom.machine").Start(ctx, "machine.Advance")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.status", string(task.Status)),
	)
	defer span.End()

	defer func() {
		// A phase handler must never crash the supervising process.
		if r := recover(); r != nil {
			task.Status = models.TaskStatusFailed
			task.LastError = fmt.Sprintf("internal error: %v", r)
			slog.Error("phase transition panicked", "task", task.ID, "error", r)
			err = m.reg.UpsertTask(task)
		}
	}()

	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusGenerating:
		err = m.runGenerate(ctx, task)
	case models.TaskStatusValidating:
		err = m.runValidate(ctx, task)
	case models.TaskStatusFixing:
		err = m.runFix(ctx, task)
	case models.TaskStatusLaunching:
		err = m.runLaunch(ctx, task)
	case models.TaskStatusFailed:
		err = m.resumeFailed(task)
	case models.TaskStatusRunning, models.TaskStatusExhausted:
		// Terminal; nothing to do.
	default:
		task.Status = models.TaskStatusFailed
		task.LastError = fmt.Sprintf("unknown status %q", task.Status)
		err = m.reg.UpsertTask(task)
	}

	span.SetAttributes(attribute.String("task.next_status", string(task.Status)))
	return task, err
}

// Run advances a task until it reaches a terminal or failed state.
func (m *Machine) Run(ctx context.Context, taskID string) (*models.Task, error) {
	for {
		task, err := m.Advance(ctx, taskID)
		if err != nil {
			return task, err
		}
		if task.Status.Terminal() || task.Status == models.TaskStatusFailed {
			return task, nil
		}
		if ctx.Err() != nil {
			return task, ctx.Err()
		}
	}
}

// runGenerate produces attempt 1. If the attempt file already exists (a
// previous invocation generated but was interrupted before validating) the
// gateway is not called again.
func (m *Machine) runGenerate(ctx context.Context, task *models.Task) error {
	if task.AttemptCount >= 1 && m.ws.AttemptExists(task.ID, task.AttemptCount) {
		task.Status = models.TaskStatusValidating
		return m.reg.UpsertTask(task)
	}

	// Checkpoint the phase before the blocking call so an interrupted
	// invocation leaves evidence of the in-flight generation.
	task.Status = models.TaskStatusGenerating
	if err := m.reg.UpsertTask(task); err != nil {
		return err
	}

	slog.Info("generating artifact", "task", task.ID)
	code, err := m.gw.Generate(ctx, task.Description)
	if err != nil {
		return m.recordFailure(task, err)
	}

	if _, err := m.ws.WriteAttempt(task.ID, 1, code); err != nil {
		return m.recordFailure(task, err)
	}
	task.AttemptCount = 1
	task.Status = models.TaskStatusValidating
	return m.reg.UpsertTask(task)
}

// runFix produces attempt N+1 from attempt N's source and error. The new
// attempt file is the idempotence marker.
func (m *Machine) runFix(ctx context.Context, task *models.Task) error {
	next := task.AttemptCount + 1
	if m.ws.AttemptExists(task.ID, next) {
		task.AttemptCount = next
		task.Status = models.TaskStatusValidating
		return m.reg.UpsertTask(task)
	}

	prior, err := m.ws.ReadAttempt(task.ID, task.AttemptCount)
	if err != nil {
		return m.recordFailure(task, err)
	}

	slog.Info("fixing artifact", "task", task.ID, "attempt", next, "error", task.LastError)
	code, err := m.gw.Fix(ctx, task.Description, task.LastError, prior)
	if err != nil {
		return m.recordFailure(task, err)
	}

	if _, err := m.ws.WriteAttempt(task.ID, next, code); err != nil {
		return m.recordFailure(task, err)
	}
	task.AttemptCount = next
	task.Status = models.TaskStatusValidating
	return m.reg.UpsertTask(task)
}

func (m *Machine) runValidate(ctx context.Context, task *models.Task) error {
	path := m.ws.AttemptPath(task.ID, task.AttemptCount)
	res := m.validator.Validate(ctx, path)

	if res.Valid() {
		slog.Info("validation passed", "task", task.ID, "attempt", task.AttemptCount,
			"warnings", len(res.Warnings))
		task.Warnings = res.Warnings
		task.LastError = ""
		task.Status = models.TaskStatusLaunching
		return m.reg.UpsertTask(task)
	}

	slog.Warn("validation failed", "task", task.ID, "attempt", task.AttemptCount,
		"kind", res.Kind, "detail", res.Detail)
	task.LastError = res.Detail
	return m.failOrExhaust(task)
}

func (m *Machine) runLaunch(ctx context.Context, task *models.Task) error {
	instances, err := m.reg.Instances()
	if err != nil {
		return err
	}

	// Idempotence: a live instance for this task means a previous invocation
	// already launched it.
	if inst, ok := instances[task.ID]; ok {
		if m.alive(inst.PID) {
			return m.publishAndFinish(task, inst)
		}
		if err := m.reg.RemoveInstance(task.ID); err != nil {
			return err
		}
		delete(instances, task.ID)
	}

	inUse := make(map[int]bool)
	for id, inst := range instances {
		if m.alive(inst.PID) {
			inUse[inst.Port] = true
		} else {
			// Stale record; its port is free again.
			if err := m.reg.RemoveInstance(id); err != nil {
				return err
			}
		}
	}

	port, err := m.ports.Acquire(inUse)
	if err != nil {
		// Port exhaustion is fatal for this launch and not retried
		// automatically; the task stays retryable for a later invocation.
		task.Status = models.TaskStatusFailed
		task.LastError = err.Error()
		if errors.Is(err, ports.ErrNoPortAvailable) {
			task.FailureKind = models.FailureKindNoPort
		}
		slog.Error("port allocation failed", "task", task.ID, "error", err)
		return m.reg.UpsertTask(task)
	}

	path := m.ws.AttemptPath(task.ID, task.AttemptCount)
	inst, err := m.launcher.Launch(path, port)
	if err != nil {
		slog.Warn("launch failed", "task", task.ID, "port", port, "error", err)
		task.LastError = err.Error()
		return m.failOrExhaust(task)
	}
	inst.TaskID = task.ID

	if err := m.reg.UpsertInstance(inst); err != nil {
		return err
	}
	return m.publishAndFinish(task, inst)
}

// publishAndFinish copies the validated artifact into the page surface,
// records the workflow entry and marks the task running.
func (m *Machine) publishAndFinish(task *models.Task, inst *models.RunningInstance) error {
	if task.PublishedPage == "" {
		code, err := m.ws.ReadAttempt(task.ID, task.AttemptCount)
		if err != nil {
			return m.recordFailure(task, err)
		}

		seq, err := m.reg.NextPageNumber()
		if err != nil {
			return err
		}
		name := workspace.DisplayName(task.Description)
		filename, err := m.ws.PublishPage(seq, name, code)
		if err != nil {
			return m.recordFailure(task, err)
		}
		if err := m.reg.AddWorkflow(seq, &models.WorkflowEntry{
			Filename:    filename,
			DisplayName: name,
			TaskID:      task.ID,
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		task.PublishedPage = filename
	}

	task.Status = models.TaskStatusRunning
	slog.Info("task running", "task", task.ID, "port", inst.Port, "pid", inst.PID,
		"page", task.PublishedPage)
	return m.reg.UpsertTask(task)
}

// resumeFailed is the user-retry transition: back to the launch phase when
// the artifact itself is fine (port exhaustion, user stop), back to fixing
// when an attempt exists to repair, otherwise back to generation from
// scratch.
func (m *Machine) resumeFailed(task *models.Task) error {
	switch task.FailureKind {
	case models.FailureKindNoPort, models.FailureKindStopped:
		task.Status = models.TaskStatusLaunching
		task.FailureKind = models.FailureKindNone
		task.LastError = ""
		return m.reg.UpsertTask(task)
	}
	if task.AttemptCount >= 1 && task.LastError != "" {
		if task.AttemptCount >= m.maxAttempts {
			task.Status = models.TaskStatusExhausted
			return m.reg.UpsertTask(task)
		}
		task.Status = models.TaskStatusFixing
	} else {
		task.Status = models.TaskStatusPending
	}
	return m.reg.UpsertTask(task)
}

// failOrExhaust routes a failed attempt to the fix phase while attempts
// remain, else to the terminal exhausted state.
func (m *Machine) failOrExhaust(task *models.Task) error {
	if task.AttemptCount >= m.maxAttempts {
		slog.Warn("attempts exhausted", "task", task.ID, "attempts", task.AttemptCount)
		task.Status = models.TaskStatusExhausted
	} else {
		task.Status = models.TaskStatusFixing
	}
	return m.reg.UpsertTask(task)
}

// recordFailure converts any phase error into the retryable failed state.
func (m *Machine) recordFailure(task *models.Task, cause error) error {
	task.Status = models.TaskStatusFailed
	task.LastError = cause.Error()
	task.FailureKind = models.FailureKindNone
	return m.reg.UpsertTask(task)
}

// StopTask kills a task's running instance and releases its registry record.
func (m *Machine) StopTask(taskID string) error {
	instances, err := m.reg.Instances()
	if err != nil {
		return err
	}
	inst, ok := instances[taskID]
	if !ok {
		return fmt.Errorf("no running instance for task %s", taskID)
	}
	if m.alive(inst.PID) {
		if err := m.launcher.Stop(inst.PID); err != nil {
			return err
		}
	}
	if err := m.reg.RemoveInstance(taskID); err != nil {
		return err
	}

	task, err := m.reg.GetTask(taskID)
	if err != nil {
		return err
	}
	task.Status = models.TaskStatusFailed
	task.LastError = "stopped by user"
	task.FailureKind = models.FailureKindStopped
	return m.reg.UpsertTask(task)
}

// DeleteTask removes a task, its attempt files, its published page and its
// running instance, if any.
func (m *Machine) DeleteTask(taskID string) error {
	task, err := m.reg.GetTask(taskID)
	if err != nil {
		return err
	}

	instances, err := m.reg.Instances()
	if err != nil {
		return err
	}
	if inst, ok := instances[taskID]; ok {
		if m.alive(inst.PID) {
			if err := m.launcher.Stop(inst.PID); err != nil {
				return err
			}
		}
		if err := m.reg.RemoveInstance(taskID); err != nil {
			return err
		}
	}

	m.ws.RemoveAttempts(taskID, task.AttemptCount)
	if err := m.ws.RemovePage(task.PublishedPage); err != nil {
		return err
	}
	return m.reg.DeleteTask(taskID)
}
