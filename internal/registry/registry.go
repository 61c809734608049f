// Package registry persists task, instance and workflow records as flat
// JSON files under the data directory. Every save is an atomic rewrite
// (temp file + rename) so a concurrent reader never observes a partially
// written file. The registry does not coordinate concurrent writers;
// callers serialize writes per task id.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/loomlabs/loom/internal/models"
)

var ErrNotFound = errors.New("not found")

type Registry struct {
	dir string
}

func New(dataDir string) *Registry {
	return &Registry{dir: dataDir}
}

func (r *Registry) tasksFile() string {
	return filepath.Join(r.dir, "generated", "tasks.json")
}

func (r *Registry) instancesFile() string {
	return filepath.Join(r.dir, "generated", "running_apps.json")
}

func (r *Registry) workflowsFile() string {
	return filepath.Join(r.dir, "pages", ".workflows.json")
}

// Tasks loads the task registry. A missing file yields an empty mapping.
func (r *Registry) Tasks() (map[string]*models.Task, error) {
	out := make(map[string]*models.Task)
	if err := loadJSON(r.tasksFile(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) SaveTasks(tasks map[string]*models.Task) error {
	return writeJSONAtomic(r.tasksFile(), tasks)
}

func (r *Registry) GetTask(id string) (*models.Task, error) {
	tasks, err := r.Tasks()
	if err != nil {
		return nil, err
	}
	t, ok := tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (r *Registry) UpsertTask(t *models.Task) error {
	tasks, err := r.Tasks()
	if err != nil {
		return err
	}
	tasks[t.ID] = t
	return r.SaveTasks(tasks)
}

func (r *Registry) DeleteTask(id string) error {
	tasks, err := r.Tasks()
	if err != nil {
		return err
	}
	if _, ok := tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	delete(tasks, id)
	return r.SaveTasks(tasks)
}

// Instances loads the running-instance registry keyed by task id.
func (r *Registry) Instances() (map[string]*models.RunningInstance, error) {
	out := make(map[string]*models.RunningInstance)
	if err := loadJSON(r.instancesFile(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Registry) SaveInstances(instances map[string]*models.RunningInstance) error {
	return writeJSONAtomic(r.instancesFile(), instances)
}

func (r *Registry) UpsertInstance(inst *models.RunningInstance) error {
	instances, err := r.Instances()
	if err != nil {
		return err
	}
	instances[inst.TaskID] = inst
	return r.SaveInstances(instances)
}

func (r *Registry) RemoveInstance(taskID string) error {
	instances, err := r.Instances()
	if err != nil {
		return err
	}
	delete(instances, taskID)
	return r.SaveInstances(instances)
}

// Workflows loads the workflow registry keyed by string-encoded sequence
// number.
func (r *Registry) Workflows() (map[string]*models.WorkflowEntry, error) {
	out := make(map[string]*models.WorkflowEntry)
	if err := loadJSON(r.workflowsFile(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NextPageNumber returns the next free sequence number: one past the current
// maximum numeric key. Numbers are never reused, even after deletion.
func (r *Registry) NextPageNumber() (int, error) {
	workflows, err := r.Workflows()
	if err != nil {
		return 0, err
	}
	max := 0
	for k := range workflows {
		if n, err := strconv.Atoi(k); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (r *Registry) AddWorkflow(seq int, entry *models.WorkflowEntry) error {
	workflows, err := r.Workflows()
	if err != nil {
		return err
	}
	workflows[strconv.Itoa(seq)] = entry
	return writeJSONAtomic(r.workflowsFile(), workflows)
}

func loadJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
