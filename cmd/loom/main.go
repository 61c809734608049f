package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/gateway"
	"github.com/loomlabs/loom/internal/machine"
	"github.com/loomlabs/loom/internal/models"
	"github.com/loomlabs/loom/internal/ports"
	"github.com/loomlabs/loom/internal/registry"
	"github.com/loomlabs/loom/internal/supervisor"
	"github.com/loomlabs/loom/internal/telemetry"
	"github.com/loomlabs/loom/internal/tui"
	"github.com/loomlabs/loom/internal/validate"
	"github.com/loomlabs/loom/internal/workspace"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Turn natural-language descriptions into running Streamlit apps",
		Long: "Loom generates a Streamlit app from a plain-English description, " +
			"validates it, repairs it when it breaks, and supervises the running process.",
		RunE: runTUI,
	}

	rootCmd.AddCommand(newNewCommand())
	rootCmd.AddCommand(newStepCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newPagesCommand())
	rootCmd.AddCommand(newStopCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the wired components every subcommand needs.
type app struct {
	cfg *config.Config
	reg *registry.Registry
	ws  *workspace.Workspace

	shutdownTelemetry func(context.Context) error
}

func bootstrap(logToFile bool) (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The TUI owns the terminal, so its logs go to a file instead.
	logOut := os.Stderr
	if logToFile {
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "loom.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err == nil {
			logOut = f
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, nil)))

	a := &app{
		cfg: cfg,
		reg: registry.New(cfg.DataDir),
		ws:  workspace.New(cfg.DataDir),
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(context.Background(), cfg.Telemetry.Endpoint, version)
		if err != nil {
			slog.Warn("telemetry init failed", "error", err)
		} else {
			a.shutdownTelemetry = shutdown
		}
	}

	return a, nil
}

func (a *app) close() {
	if a.shutdownTelemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.shutdownTelemetry(ctx)
	}
}

// machine wires the full pipeline. Commands that only stop or delete tasks
// never reach the generation gateway and may build it without one, so a
// missing OPENAI_API_KEY does not block cleanup.
func (a *app) machine(needsGateway bool) (*machine.Machine, error) {
	var gw gateway.Gateway
	if needsGateway {
		openai, err := gateway.NewOpenAI(a.cfg.Model, a.cfg.MinimumArtifactLength)
		if err != nil {
			return nil, err
		}
		gw = openai
	}

	validator := validate.New(
		time.Duration(a.cfg.ValidationTimeoutSeconds)*time.Second,
		a.cfg.StrictImports,
		a.cfg.PythonBin,
	)
	allocator := &ports.Allocator{Start: a.cfg.PortRangeStart, Size: a.cfg.PortRangeSize}
	sup := supervisor.New(a.cfg.PythonBin, time.Duration(a.cfg.LaunchGraceSeconds)*time.Second)

	return machine.New(a.cfg.MaxAttempts, a.reg, a.ws, gw, validator, allocator, sup), nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer a.close()

	m, err := a.machine(true)
	if err != nil {
		return err
	}

	p := tea.NewProgram(tui.NewApp(m, a.reg, a.ws), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newNewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "new <description>",
		Short: "Create a task and drive it to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noRun, _ := cmd.Flags().GetBool("no-run")

			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.machine(true)
			if err != nil {
				return err
			}

			task, err := m.CreateTask(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created task %s\n", task.ID)

			if noRun {
				return nil
			}
			return driveTask(cmd.Context(), a, m, task.ID)
		},
	}
	cmd.Flags().Bool("no-run", false, "Create the task without starting it")
	return cmd
}

func newStepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "step <task-id>",
		Short: "Advance a task by a single phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.machine(true)
			if err != nil {
				return err
			}

			task, err := m.Advance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
			if task.LastError != "" {
				fmt.Printf("Last error: %s\n", task.LastError)
			}
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Resume a task and drive it until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.machine(true)
			if err != nil {
				return err
			}
			return driveTask(cmd.Context(), a, m, args[0])
		},
	}
}

func driveTask(ctx context.Context, a *app, m *machine.Machine, taskID string) error {
	task, err := m.Run(ctx, taskID)
	if err != nil {
		return err
	}

	fmt.Printf("Task %s settled with status: %s\n", task.ID, task.Status)
	switch {
	case task.Status.Terminal() && task.LastError == "":
		if inst := findInstance(a.reg, task.ID); inst != nil {
			fmt.Printf("Serving at http://localhost:%d (pid %d)\n", inst.Port, inst.PID)
		}
		for _, w := range task.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
	case task.LastError != "":
		fmt.Printf("Error: %s\n", task.LastError)
	}
	return nil
}

func findInstance(reg *registry.Registry, taskID string) *models.RunningInstance {
	instances, err := reg.Instances()
	if err != nil {
		return nil
	}
	return instances[taskID]
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show one task's state and attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			task, err := a.reg.GetTask(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Task %s [%s]\n", task.ID, task.Status)
			fmt.Printf("Description: %s\n", task.Description)
			fmt.Printf("Attempts: %d\n", task.AttemptCount)
			if task.PublishedPage != "" {
				fmt.Printf("Page: %s\n", task.PublishedPage)
			}
			if inst := findInstance(a.reg, task.ID); inst != nil {
				fmt.Printf("Serving at http://localhost:%d (pid %d, since %s)\n",
					inst.Port, inst.PID, inst.StartedAt.Local().Format("2006-01-02 15:04"))
			}
			if task.LastError != "" {
				fmt.Printf("Last error: %s\n", task.LastError)
			}
			for _, w := range task.Warnings {
				fmt.Printf("Warning: %s\n", w)
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.reg.Tasks()
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return nil
			}

			sorted := make([]*models.Task, 0, len(tasks))
			for _, t := range tasks {
				sorted = append(sorted, t)
			}
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
			})

			for _, t := range sorted {
				fmt.Printf("%s [%s] attempts:%d %s\n",
					t.ID, t.Status, t.AttemptCount, truncate(t.Description, 50))
			}
			return nil
		},
	}
}

func newPagesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pages",
		Short: "List published pages",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			workflows, err := a.reg.Workflows()
			if err != nil {
				return err
			}
			if len(workflows) == 0 {
				fmt.Println("No pages published yet.")
				return nil
			}

			seqs := make([]int, 0, len(workflows))
			bySeq := make(map[int]string, len(workflows))
			for key := range workflows {
				if n, err := strconv.Atoi(key); err == nil {
					seqs = append(seqs, n)
					bySeq[n] = key
				}
			}
			sort.Ints(seqs)

			for _, n := range seqs {
				entry := workflows[bySeq[n]]
				fmt.Printf("%d. %s (%s, task %s)\n",
					n, entry.DisplayName, entry.Filename, entry.TaskID)
			}
			return nil
		},
	}
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <task-id>",
		Short: "Stop a task's running app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.machine(false)
			if err != nil {
				return err
			}
			if err := m.StopTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("Stopped task %s\n", args[0])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task, its artifacts and its page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(false)
			if err != nil {
				return err
			}
			defer a.close()

			m, err := a.machine(false)
			if err != nil {
				return err
			}
			if err := m.DeleteTask(args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted task %s\n", args[0])
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
