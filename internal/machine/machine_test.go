package machine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/internal/gateway"
	"github.com/loomlabs/loom/internal/models"
	"github.com/loomlabs/loom/internal/ports"
	"github.com/loomlabs/loom/internal/registry"
	"github.com/loomlabs/loom/internal/validate"
	"github.com/loomlabs/loom/internal/workspace"
)

const validPage = `import streamlit as st

st.title("Generated Page")
st.write("This page was generated from a natural-language description.")
`

// fakeGateway returns scripted source and counts calls.
type fakeGateway struct {
	generateCalls int
	fixCalls      int
	generateCode  string
	generateErr   error
	fixCode       func(errorReport, priorSource string) string

	lastErrorReport string
	lastPriorSource string
}

func (g *fakeGateway) Generate(_ context.Context, _ string) (string, error) {
	g.generateCalls++
	if g.generateErr != nil {
		return "", g.generateErr
	}
	return g.generateCode, nil
}

func (g *fakeGateway) Fix(_ context.Context, _, errorReport, priorSource string) (string, error) {
	g.fixCalls++
	g.lastErrorReport = errorReport
	g.lastPriorSource = priorSource
	if g.fixCode == nil {
		return "", errors.New("unexpected fix call")
	}
	return g.fixCode(errorReport, priorSource), nil
}

// fakeValidator returns one scripted result per call.
type fakeValidator struct {
	results []validate.Result
	calls   int
}

func (v *fakeValidator) Validate(_ context.Context, _ string) validate.Result {
	res := v.results[min(v.calls, len(v.results)-1)]
	v.calls++
	return res
}

var (
	valid         = validate.Result{Kind: validate.KindValid}
	syntaxFailure = validate.Result{Kind: validate.KindSyntaxError, Detail: "line 1, col 0: unexpected: def f(:"}
)

// fakePorts allocates sequentially from a window, honoring inUse.
type fakePorts struct {
	start, size int
	calls       int
}

func (p *fakePorts) Acquire(inUse map[int]bool) (int, error) {
	p.calls++
	for port := p.start; port < p.start+p.size; port++ {
		if !inUse[port] {
			return port, nil
		}
	}
	return 0, fmt.Errorf("window %d-%d: %w", p.start, p.start+p.size-1, ports.ErrNoPortAvailable)
}

// fakeLauncher succeeds with increasing pids unless told to fail.
type fakeLauncher struct {
	launchCalls int
	failWith    string
	nextPID     int
	stopped     []int
}

func (l *fakeLauncher) Launch(artifactPath string, port int) (*models.RunningInstance, error) {
	l.launchCalls++
	if l.failWith != "" {
		return nil, errors.New(l.failWith)
	}
	l.nextPID++
	return &models.RunningInstance{
		Port:         port,
		PID:          l.nextPID,
		ArtifactPath: artifactPath,
	}, nil
}

func (l *fakeLauncher) Stop(pid int) error {
	l.stopped = append(l.stopped, pid)
	return nil
}

type fixture struct {
	m        *Machine
	reg      *registry.Registry
	ws       *workspace.Workspace
	gw       *fakeGateway
	val      *fakeValidator
	ports    *fakePorts
	launcher *fakeLauncher
	alive    map[int]bool
}

func newFixture(t *testing.T, maxAttempts int) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		reg:      registry.New(dir),
		ws:       workspace.New(dir),
		gw:       &fakeGateway{generateCode: validPage},
		val:      &fakeValidator{results: []validate.Result{valid}},
		ports:    &fakePorts{start: 8502, size: 10},
		launcher: &fakeLauncher{},
		alive:    make(map[int]bool),
	}
	f.m = New(maxAttempts, f.reg, f.ws, f.gw, f.val, f.ports, f.launcher)
	f.m.alive = func(pid int) bool { return f.alive[pid] }
	return f
}

func (f *fixture) createTask(t *testing.T, description string) *models.Task {
	t.Helper()
	task, err := f.m.CreateTask(description)
	require.NoError(t, err)
	return task
}

// run advances until terminal or failed, marking launched pids alive.
func (f *fixture) run(t *testing.T, taskID string) *models.Task {
	t.Helper()
	for i := 0; i < 50; i++ {
		task, err := f.m.Advance(context.Background(), taskID)
		require.NoError(t, err)
		f.markLaunchedAlive(t)
		if task.Status.Terminal() || task.Status == models.TaskStatusFailed {
			return task
		}
	}
	t.Fatal("task did not settle")
	return nil
}

func (f *fixture) markLaunchedAlive(t *testing.T) {
	t.Helper()
	instances, err := f.reg.Instances()
	require.NoError(t, err)
	for _, inst := range instances {
		if _, known := f.alive[inst.PID]; !known {
			f.alive[inst.PID] = true
		}
	}
}

func TestScenarioA_FirstAttemptSucceeds(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")

	got := f.run(t, task.ID)

	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 1, f.gw.generateCalls)
	assert.Zero(t, f.gw.fixCalls)
	assert.NotEmpty(t, got.PublishedPage)

	instances, err := f.reg.Instances()
	require.NoError(t, err)
	require.Contains(t, instances, task.ID)
	assert.Equal(t, 8502, instances[task.ID].Port)

	workflows, err := f.reg.Workflows()
	require.NoError(t, err)
	require.Contains(t, workflows, "1")
	assert.Equal(t, task.ID, workflows["1"].TaskID)
}

func TestScenarioB_FixReceivesExactErrorAndSource(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.generateCode = "def broken(:\npass\n"
	f.gw.fixCode = func(_, _ string) string { return validPage }
	f.val.results = []validate.Result{syntaxFailure, valid}

	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)

	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 1, f.gw.fixCalls)
	assert.Equal(t, syntaxFailure.Detail, f.gw.lastErrorReport)
	assert.Equal(t, f.gw.generateCode, f.gw.lastPriorSource)
}

func TestScenarioC_ExhaustedAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, 3)
	f.gw.generateCode = "still broken\n"
	f.gw.fixCode = func(_, _ string) string { return "still broken\n" }
	f.val.results = []validate.Result{syntaxFailure}

	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)

	assert.Equal(t, models.TaskStatusExhausted, got.Status)
	assert.Equal(t, 3, got.AttemptCount)
	// one generation plus two fixes: exactly three, never a fourth
	assert.Equal(t, 1, f.gw.generateCalls)
	assert.Equal(t, 2, f.gw.fixCalls)

	// Exhausted is terminal: advancing again changes nothing.
	again, err := f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusExhausted, again.Status)
	assert.Equal(t, 2, f.gw.fixCalls)
}

func TestScenarioD_PortExhaustion(t *testing.T) {
	f := newFixture(t, 5)
	f.ports.size = 2

	// Two live instances already hold the whole window.
	require.NoError(t, f.reg.UpsertInstance(&models.RunningInstance{TaskID: "x", Port: 8502, PID: 901}))
	require.NoError(t, f.reg.UpsertInstance(&models.RunningInstance{TaskID: "y", Port: 8503, PID: 902}))
	f.alive[901] = true
	f.alive[902] = true

	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)

	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, ports.ErrNoPortAvailable.Error())
	assert.Zero(t, f.launcher.launchCalls)

	// Manual retry resumes at the launch phase once a port frees up, even
	// though the recorded error text carries wrapping context.
	f.alive[902] = false
	got, err := f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusLaunching, got.Status)
	got = f.run(t, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
}

func TestGenerationFailureIsRetryable(t *testing.T) {
	f := newFixture(t, 5)
	f.gw.generateErr = fmt.Errorf("%w: service returned no choices", gateway.ErrGenerationFailed)

	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)

	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "generation failed")

	// User retry: resumes to a fresh generation since no attempt exists.
	f.gw.generateErr = nil
	got, err := f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	got = f.run(t, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 2, f.gw.generateCalls)
}

func TestLaunchFailureFeedsNextFix(t *testing.T) {
	f := newFixture(t, 5)
	f.launcher.failWith = "application failed to start: ModuleNotFoundError: no module named 'plotly'"
	f.gw.fixCode = func(errorReport, _ string) string {
		// the fix must see the captured launch output
		if errorReport == f.launcher.failWith {
			return validPage
		}
		return "unexpected\n"
	}

	task := f.createTask(t, "produce a data explorer page")

	// generate -> validate -> launch fails -> fixing
	for i := 0; i < 3; i++ {
		_, err := f.m.Advance(context.Background(), task.ID)
		require.NoError(t, err)
	}
	got, err := f.reg.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFixing, got.Status)
	assert.Equal(t, f.launcher.failWith, got.LastError)

	f.launcher.failWith = ""
	got = f.run(t, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, 1, f.gw.fixCalls)
}

func TestAdvanceIdempotentAfterInterruptedGeneration(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")

	// First invocation generated attempt 1 and moved to validating.
	_, err := f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.generateCalls)

	// Simulate a crash that rolled status back to generating with the
	// attempt file already on disk: no duplicate generation call.
	got, err := f.reg.GetTask(task.ID)
	require.NoError(t, err)
	got.Status = models.TaskStatusGenerating
	require.NoError(t, f.reg.UpsertTask(got))

	_, err = f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.gw.generateCalls)
}

func TestAdvanceIdempotentAfterInterruptedLaunch(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)
	require.Equal(t, 1, f.launcher.launchCalls)
	require.Equal(t, 1, f.ports.calls)

	// Simulate a crash after launch but before the running checkpoint.
	got.Status = models.TaskStatusLaunching
	require.NoError(t, f.reg.UpsertTask(got))

	again, err := f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, again.Status)
	assert.Equal(t, 1, f.launcher.launchCalls, "no duplicate launch")
	assert.Equal(t, 1, f.ports.calls, "no duplicate port allocation")

	workflows, err := f.reg.Workflows()
	require.NoError(t, err)
	assert.Len(t, workflows, 1, "no duplicate workflow entry")
}

func TestOneInstancePerTask(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)

	// A dead instance is replaced, never duplicated.
	instances, err := f.reg.Instances()
	require.NoError(t, err)
	oldPID := instances[task.ID].PID
	f.alive[oldPID] = false

	got.Status = models.TaskStatusLaunching
	require.NoError(t, f.reg.UpsertTask(got))
	got = f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)

	instances, err = f.reg.Instances()
	require.NoError(t, err)
	assert.Len(t, instances, 1)
	assert.NotEqual(t, oldPID, instances[task.ID].PID)
}

func TestValidationTimeoutRoutesToFix(t *testing.T) {
	f := newFixture(t, 5)
	timedOut := validate.Result{Kind: validate.KindTimeout, Detail: "validation timed out"}
	f.val.results = []validate.Result{timedOut, valid}
	f.gw.fixCode = func(_, _ string) string { return validPage }

	task := f.createTask(t, "produce a data explorer page")

	// generate -> validate times out -> fixing
	for i := 0; i < 2; i++ {
		_, err := f.m.Advance(context.Background(), task.ID)
		require.NoError(t, err)
	}
	got, err := f.reg.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFixing, got.Status)
	assert.Equal(t, timedOut.Detail, got.LastError)

	got = f.run(t, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, timedOut.Detail, f.gw.lastErrorReport)
}

func TestStopTask(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)

	instances, err := f.reg.Instances()
	require.NoError(t, err)
	pid := instances[task.ID].PID

	require.NoError(t, f.m.StopTask(task.ID))
	assert.Equal(t, []int{pid}, f.launcher.stopped)

	instances, err = f.reg.Instances()
	require.NoError(t, err)
	assert.Empty(t, instances)

	got, err = f.reg.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
}

func TestRunAfterStopRelaunchesWithoutFixing(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)

	instances, err := f.reg.Instances()
	require.NoError(t, err)
	f.alive[instances[task.ID].PID] = false
	require.NoError(t, f.m.StopTask(task.ID))

	// A stop is not a defect report: the retry relaunches the validated
	// artifact instead of feeding "stopped by user" to the gateway.
	got, err = f.m.Advance(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusLaunching, got.Status)
	assert.Empty(t, got.LastError)

	got = f.run(t, task.ID)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Zero(t, f.gw.fixCalls)
	assert.Equal(t, 1, f.gw.generateCalls)
}

func TestDeleteTaskCleansEverything(t *testing.T) {
	f := newFixture(t, 5)
	task := f.createTask(t, "produce a data explorer page")
	got := f.run(t, task.ID)
	require.Equal(t, models.TaskStatusRunning, got.Status)

	require.NoError(t, f.m.DeleteTask(task.ID))

	_, err := f.reg.GetTask(task.ID)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.False(t, f.ws.AttemptExists(task.ID, 1))

	instances, err := f.reg.Instances()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestCreateTaskRejectsEmptyDescription(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.m.CreateTask("")
	assert.Error(t, err)
}

func TestAttemptCountNeverDecreases(t *testing.T) {
	f := newFixture(t, 4)
	f.gw.generateCode = "broken artifact content\n"
	f.gw.fixCode = func(_, _ string) string { return "still broken\n" }
	f.val.results = []validate.Result{syntaxFailure}

	task := f.createTask(t, "produce a data explorer page")

	prev := 0
	for i := 0; i < 40; i++ {
		got, err := f.m.Advance(context.Background(), task.ID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.AttemptCount, prev)
		require.LessOrEqual(t, got.AttemptCount-prev, 1)
		prev = got.AttemptCount
		if got.Status.Terminal() {
			break
		}
	}
	assert.Equal(t, 4, prev)
}
