// Package task defines the task list model and its on-disk contract.
package task

import (
	"fmt"
	"regexp"
	"sort"
)

// IDPattern is the required shape of a task identifier.
var IDPattern = regexp.MustCompile(`^T-\d{3}$`)

// Subtask is a nested unit of work. It has the same shape as a Task
// minus the priority.
type Subtask struct {
	ID                 string   `json:"id" yaml:"id"`
	Title              string   `json:"title" yaml:"title"`
	Description        string   `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	Passes             bool     `json:"passes" yaml:"passes"`
	Notes              string   `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// Task is one unit of work the loop drives to completion.
//
// Passes is mutated only by the run coordinator after a full successful
// phase sequence; agents never write it.
type Task struct {
	ID                 string    `json:"id" yaml:"id"`
	Title              string    `json:"title" yaml:"title"`
	Description        string    `json:"description,omitempty" yaml:"description,omitempty"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria" yaml:"acceptanceCriteria"`
	Priority           int       `json:"priority" yaml:"priority"` // lower runs first
	Passes             bool      `json:"passes" yaml:"passes"`
	Notes              string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	Subtasks           []Subtask `json:"subtasks,omitempty" yaml:"subtasks,omitempty"`
}

// List is the ordered task collection plus project metadata.
type List struct {
	Project     string `json:"project" yaml:"project"`
	BranchName  string `json:"branchName,omitempty" yaml:"branchName,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Tasks       []Task `json:"tasks" yaml:"tasks"`
}

// Validate checks the list against the schema contract: ids match
// T-NNN and are globally unique, and every task has at least one
// acceptance criterion.
func (l *List) Validate() error {
	if l.Project == "" {
		return fmt.Errorf("task list has no project name")
	}
	seen := make(map[string]bool)
	for i, t := range l.Tasks {
		if !IDPattern.MatchString(t.ID) {
			return fmt.Errorf("task %d: id %q does not match T-NNN", i, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %s", t.ID)
		}
		seen[t.ID] = true
		if t.Title == "" {
			return fmt.Errorf("task %s has no title", t.ID)
		}
		if len(t.AcceptanceCriteria) == 0 {
			return fmt.Errorf("task %s has no acceptance criteria", t.ID)
		}
		for j, st := range t.Subtasks {
			if st.ID == "" {
				return fmt.Errorf("task %s subtask %d has no id", t.ID, j)
			}
			if seen[st.ID] {
				return fmt.Errorf("duplicate task id %s", st.ID)
			}
			seen[st.ID] = true
		}
	}
	return nil
}

// Pending returns tasks with passes=false, ordered by priority
// ascending, then id.
func (l *List) Pending() []Task {
	var out []Task
	for _, t := range l.Tasks {
		if !t.Passes {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Find returns the task with the given id.
func (l *List) Find(id string) (*Task, bool) {
	for i := range l.Tasks {
		if l.Tasks[i].ID == id {
			return &l.Tasks[i], true
		}
	}
	return nil, false
}
