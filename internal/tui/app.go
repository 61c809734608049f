// Package tui is the interactive dashboard: a task list with live status,
// a per-task detail view, and a form for submitting new descriptions.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomlabs/loom/internal/machine"
	"github.com/loomlabs/loom/internal/models"
	"github.com/loomlabs/loom/internal/registry"
	"github.com/loomlabs/loom/internal/workspace"
)

type View int

const (
	ViewTaskList View = iota
	ViewTaskDetail
	ViewNewTask
	ViewSource
)

type App struct {
	machine *machine.Machine
	reg     *registry.Registry
	ws      *workspace.Workspace

	view          View
	tasks         []*models.Task
	instances     map[string]*models.RunningInstance
	selectedIdx   int
	selectedTask  *models.Task
	sourceContent string
	input         textarea.Model

	width  int
	height int
	err    error
}

func NewApp(m *machine.Machine, reg *registry.Registry, ws *workspace.Workspace) *App {
	input := textarea.New()
	input.Placeholder = "Describe the app you want, e.g. \"create a fraud detection dashboard\""
	input.SetHeight(4)
	input.CharLimit = 2000

	return &App{
		machine:   m,
		reg:       reg,
		ws:        ws,
		view:      ViewTaskList,
		instances: map[string]*models.RunningInstance{},
		input:     input,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadTasks, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasBusyTasks() bool {
	for _, task := range a.tasks {
		if !task.Status.Terminal() && task.Status != models.TaskStatusFailed {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.SetWidth(msg.Width - 4)
		return a, nil

	case tasksLoadedMsg:
		a.tasks = msg.tasks
		a.instances = msg.instances
		a.err = msg.err
		if a.selectedIdx >= len(a.tasks) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.tasks) - 1
		}
		return a, nil

	case tickMsg:
		// Refresh the list while anything is still moving through phases.
		if a.view == ViewTaskList && a.hasBusyTasks() {
			return a, tea.Batch(a.loadTasks, a.tickCmd())
		}
		return a, a.tickCmd()

	case taskDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedTask = msg.task
			a.view = ViewTaskDetail
		}
		return a, nil

	case taskSettledMsg:
		a.err = msg.err
		return a, a.loadTasks

	case taskStoppedMsg, taskDeletedMsg:
		return a, a.loadTasks

	case sourceLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
		} else {
			a.sourceContent = msg.content
			a.view = ViewSource
		}
		return a, nil
	}

	if a.view == ViewNewTask {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewTaskList:
		return a.handleTaskListKey(msg)
	case ViewTaskDetail:
		return a.handleTaskDetailKey(msg)
	case ViewNewTask:
		return a.handleNewTaskKey(msg)
	case ViewSource:
		return a.handleSourceKey(msg)
	}
	return a, nil
}

func (a *App) handleTaskListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.tasks)-1 {
			a.selectedIdx++
		}

	case "enter":
		if task := a.selectedListTask(); task != nil {
			return a, a.loadDetail(task.ID)
		}

	case "n":
		a.input.Reset()
		a.input.Focus()
		a.view = ViewNewTask
		return a, textarea.Blink

	case "r":
		return a, a.loadTasks

	case "g":
		// Retry a failed task or resume one parked mid-phase.
		if task := a.selectedListTask(); task != nil && !task.Status.Terminal() {
			return a, tea.Batch(a.runTask(task.ID), a.loadTasks)
		}

	case "x":
		if task := a.selectedListTask(); task != nil {
			return a, a.stopTask(task.ID)
		}

	case "d":
		if task := a.selectedListTask(); task != nil {
			return a, a.deleteTask(task.ID)
		}
	}

	return a, nil
}

func (a *App) selectedListTask() *models.Task {
	if len(a.tasks) == 0 || a.selectedIdx >= len(a.tasks) {
		return nil
	}
	return a.tasks[a.selectedIdx]
}

func (a *App) handleTaskDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewTaskList
		a.selectedTask = nil
		return a, a.loadTasks

	case "ctrl+c":
		return a, tea.Quit

	case "o":
		if a.selectedTask != nil && a.selectedTask.AttemptCount > 0 {
			return a, a.loadSource(a.selectedTask.ID, a.selectedTask.AttemptCount)
		}

	case "g":
		if a.selectedTask != nil && !a.selectedTask.Status.Terminal() {
			id := a.selectedTask.ID
			return a, tea.Batch(a.runTask(id), a.loadDetail(id))
		}
	}

	return a, nil
}

func (a *App) handleNewTaskKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.input.Blur()
		a.view = ViewTaskList
		return a, nil

	case "ctrl+c":
		return a, tea.Quit

	case "ctrl+s":
		description := strings.TrimSpace(a.input.Value())
		if description == "" {
			return a, nil
		}
		a.input.Blur()
		a.view = ViewTaskList
		return a, a.submitTask(description)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleSourceKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewTaskDetail
		a.sourceContent = ""

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewTaskList:
		return a.viewTaskList()
	case ViewTaskDetail:
		return a.viewTaskDetail()
	case ViewNewTask:
		return a.viewNewTask()
	case ViewSource:
		return a.viewSource()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusBusy      = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusExhausted = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewTaskList() string {
	s := titleStyle.Render("Loom") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.tasks) == 0 {
		s += "No tasks yet. Press 'n' to describe one.\n"
	} else {
		s += "Tasks\n"
		s += "─────\n"

		for i, task := range a.tasks {
			line := a.formatTaskLine(task)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if task.Status == models.TaskStatusRunning || task.Status == models.TaskStatusExhausted {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[n] new  [enter] view  [g] run  [x] stop  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatTaskLine(task *models.Task) string {
	status := a.formatStatus(task.Status)
	age := formatAge(task.CreatedAt)
	port := ""
	if inst, ok := a.instances[task.ID]; ok {
		port = dimStyle.Render(fmt.Sprintf(":%d", inst.Port))
	}
	return fmt.Sprintf("%s  %s  %-6s %s  %s",
		task.ID, status, age, truncate(task.Description, 42), port)
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func (a *App) formatStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusRunning:
		return statusRunning.Render("✓ running   ")
	case models.TaskStatusFailed:
		return statusFailed.Render("✗ failed    ")
	case models.TaskStatusExhausted:
		return statusExhausted.Render("⚠ exhausted ")
	case models.TaskStatusPending:
		return dimStyle.Render("○ pending   ")
	default:
		return statusBusy.Render(fmt.Sprintf("● %-10s", status))
	}
}

func (a *App) viewTaskDetail() string {
	if a.selectedTask == nil {
		return "No task selected"
	}
	task := a.selectedTask

	s := titleStyle.Render("Task "+task.ID) + "  " + a.formatStatus(task.Status) + "\n\n"
	s += task.Description + "\n\n"

	s += labelStyle.Render("Attempts:  ") + fmt.Sprintf("%d", task.AttemptCount) + "\n"
	s += labelStyle.Render("Created:   ") + task.CreatedAt.Local().Format("2006-01-02 15:04") + "\n"

	if inst, ok := a.instances[task.ID]; ok {
		s += labelStyle.Render("Address:   ") + fmt.Sprintf("http://localhost:%d (pid %d)", inst.Port, inst.PID) + "\n"
	}
	if task.PublishedPage != "" {
		s += labelStyle.Render("Page:      ") + task.PublishedPage + "\n"
	}
	if task.LastError != "" {
		s += "\n" + statusFailed.Render("Last error") + "\n" + task.LastError + "\n"
	}
	if len(task.Warnings) > 0 {
		s += "\n" + warnStyle.Render("Warnings") + "\n"
		for _, w := range task.Warnings {
			s += "  • " + w + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[o] source  [g] run  [esc] back  [q] quit")

	return s
}

func (a *App) viewNewTask() string {
	s := titleStyle.Render("New Task") + "\n\n"
	s += a.input.View() + "\n\n"
	s += helpStyle.Render("[ctrl+s] submit  [esc] cancel")
	return s
}

func (a *App) viewSource() string {
	s := titleStyle.Render("Generated Source") + "\n\n"
	if a.sourceContent == "" {
		s += "(no source)\n"
	} else {
		s += a.sourceContent + "\n"
	}
	s += "\n" + helpStyle.Render("[esc] back  [q] quit")
	return s
}

// Messages

type tasksLoadedMsg struct {
	tasks     []*models.Task
	instances map[string]*models.RunningInstance
	err       error
}

type taskDetailMsg struct {
	task *models.Task
	err  error
}

type taskSettledMsg struct {
	taskID string
	err    error
}

type taskStoppedMsg struct{ err error }

type taskDeletedMsg struct{ err error }

type sourceLoadedMsg struct {
	content string
	err     error
}

// Commands

func (a *App) loadTasks() tea.Msg {
	tasks, err := a.reg.Tasks()
	if err != nil {
		return tasksLoadedMsg{err: err}
	}
	instances, err := a.reg.Instances()
	if err != nil {
		return tasksLoadedMsg{err: err}
	}

	sorted := make([]*models.Task, 0, len(tasks))
	for _, t := range tasks {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	return tasksLoadedMsg{tasks: sorted, instances: instances}
}

func (a *App) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.reg.GetTask(id)
		return taskDetailMsg{task: task, err: err}
	}
}

func (a *App) submitTask(description string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.machine.CreateTask(description)
		if err != nil {
			return taskSettledMsg{err: err}
		}
		_, err = a.machine.Run(context.Background(), task.ID)
		return taskSettledMsg{taskID: task.ID, err: err}
	}
}

func (a *App) runTask(id string) tea.Cmd {
	return func() tea.Msg {
		_, err := a.machine.Run(context.Background(), id)
		return taskSettledMsg{taskID: id, err: err}
	}
}

func (a *App) stopTask(id string) tea.Cmd {
	return func() tea.Msg {
		return taskStoppedMsg{err: a.machine.StopTask(id)}
	}
}

func (a *App) deleteTask(id string) tea.Cmd {
	return func() tea.Msg {
		return taskDeletedMsg{err: a.machine.DeleteTask(id)}
	}
}

func (a *App) loadSource(id string, attempt int) tea.Cmd {
	return func() tea.Msg {
		content, err := a.ws.ReadAttempt(id, attempt)
		return sourceLoadedMsg{content: content, err: err}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
