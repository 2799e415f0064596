// Package ledger tracks the tasks spawned by a node state and answers the
// aggregate questions asked by completion policies and escalation rules.
//
// Every function operates on the task slice of a single node state and keeps
// insertion order, so "the first task" is always the first one spawned.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/route-engine/types"
)

var (
	// ErrUnknownTask is returned when a task id does not belong to the node state.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTaskEnded is returned when closing a task that already ended.
	ErrTaskEnded = errors.New("task already ended")
)

// AddTask appends a task to the node state.
func AddTask(ns *types.NodeState, task types.Task) {
	task.NodeStateID = ns.ID
	ns.Tasks = append(ns.Tasks, task)
}

// Find returns the task with the given id.
func Find(ns *types.NodeState, taskID uint64) (*types.Task, bool) {
	for i := range ns.Tasks {
		if ns.Tasks[i].ID == taskID {
			return &ns.Tasks[i], true
		}
	}
	return nil, false
}

// CloseTask records the terminal status of an open task.
func CloseTask(ns *types.NodeState, taskID uint64, status, actor string, payload map[string]interface{}, at time.Time) error {
	task, ok := Find(ns, taskID)
	if !ok {
		return fmt.Errorf("%w: %d in node state %s", ErrUnknownTask, taskID, ns.ID)
	}
	if task.Ended {
		return fmt.Errorf("%w: %d", ErrTaskEnded, taskID)
	}
	task.Ended = true
	task.Status = status
	task.Actor = actor
	task.Payload = payload
	task.EndedAt = at
	if comment, ok := payload["comment"].(string); ok {
		task.Comment = comment
	}
	return nil
}

// CancelTask ends one open task without a status on behalf of actor.
func CancelTask(ns *types.NodeState, taskID uint64, actor string, at time.Time) error {
	task, ok := Find(ns, taskID)
	if !ok {
		return fmt.Errorf("%w: %d in node state %s", ErrUnknownTask, taskID, ns.ID)
	}
	if task.Ended {
		return fmt.Errorf("%w: %d", ErrTaskEnded, taskID)
	}
	task.Ended = true
	task.Canceled = true
	task.Actor = actor
	task.EndedAt = at
	return nil
}

// CancelOpen ends every open task without a status and returns their ids.
func CancelOpen(ns *types.NodeState, at time.Time) []uint64 {
	var canceled []uint64
	for i := range ns.Tasks {
		if ns.Tasks[i].Ended {
			continue
		}
		ns.Tasks[i].Ended = true
		ns.Tasks[i].Canceled = true
		ns.Tasks[i].EndedAt = at
		canceled = append(canceled, ns.Tasks[i].ID)
	}
	return canceled
}

// Reassign replaces the assignees of an open task.
func Reassign(ns *types.NodeState, taskID uint64, assignees []string) error {
	task, ok := Find(ns, taskID)
	if !ok {
		return fmt.Errorf("%w: %d in node state %s", ErrUnknownTask, taskID, ns.ID)
	}
	if task.Ended {
		return fmt.Errorf("%w: %d", ErrTaskEnded, taskID)
	}
	task.Assignees = append([]string(nil), assignees...)
	task.Delegates = nil
	return nil
}

// Delegate adds delegated actors to an open task.
func Delegate(ns *types.NodeState, taskID uint64, delegates []string) error {
	task, ok := Find(ns, taskID)
	if !ok {
		return fmt.Errorf("%w: %d in node state %s", ErrUnknownTask, taskID, ns.ID)
	}
	if task.Ended {
		return fmt.Errorf("%w: %d", ErrTaskEnded, taskID)
	}
	for _, d := range delegates {
		if !contains(task.Delegates, d) {
			task.Delegates = append(task.Delegates, d)
		}
	}
	return nil
}

// Open returns the tasks that have not ended.
func Open(ns types.NodeState) []types.Task {
	var open []types.Task
	for _, t := range ns.Tasks {
		if !t.Ended {
			open = append(open, t)
		}
	}
	return open
}

// CountEndedWithStatus counts ended tasks carrying status.
func CountEndedWithStatus(ns types.NodeState, status string) int {
	n := 0
	for _, t := range ns.Tasks {
		if t.Ended && !t.Canceled && t.Status == status {
			n++
		}
	}
	return n
}

// CountProcessed counts tasks that ended with a status.
func CountProcessed(ns types.NodeState) int {
	n := 0
	for _, t := range ns.Tasks {
		if t.Ended && !t.Canceled && t.Status != "" {
			n++
		}
	}
	return n
}

// CountEnded counts tasks that ended, canceled ones included.
func CountEnded(ns types.NodeState) int {
	n := 0
	for _, t := range ns.Tasks {
		if t.Ended {
			n++
		}
	}
	return n
}

// AllEnded reports whether every task ended. A node state without tasks
// has trivially ended them all.
func AllEnded(ns types.NodeState) bool {
	for _, t := range ns.Tasks {
		if !t.Ended {
			return false
		}
	}
	return true
}

// EarliestDue returns the earliest due date among open tasks.
func EarliestDue(ns types.NodeState) (time.Time, bool) {
	var due time.Time
	for _, t := range ns.Tasks {
		if t.Ended || t.DueAt.IsZero() {
			continue
		}
		if due.IsZero() || t.DueAt.Before(due) {
			due = t.DueAt
		}
	}
	return due, !due.IsZero()
}

// Satisfied reports whether the completion policy of a task node holds.
func Satisfied(ns types.NodeState, policy types.Completion) bool {
	if len(ns.Tasks) == 0 {
		return true
	}
	switch policy.Mode {
	case types.CompletionAny:
		return CountProcessed(ns) > 0 || AllEnded(ns)
	case types.CompletionAnyStatus:
		return CountEndedWithStatus(ns, policy.Status) > 0 || AllEnded(ns)
	case types.CompletionThreshold:
		threshold := policy.Threshold
		if threshold <= 0 || threshold > len(ns.Tasks) {
			threshold = len(ns.Tasks)
		}
		if policy.Status != "" {
			return CountEndedWithStatus(ns, policy.Status) >= threshold || AllEnded(ns)
		}
		return CountProcessed(ns) >= threshold || AllEnded(ns)
	default:
		return AllEnded(ns)
	}
}

// View exposes read-only ledger aggregates to expressions.
type View struct {
	tasks []types.Task
}

// NewView snapshots the tasks of a node state.
func NewView(ns types.NodeState) View {
	return View{tasks: append([]types.Task(nil), ns.Tasks...)}
}

func (v View) state() types.NodeState {
	return types.NodeState{Tasks: v.tasks}
}

// CountEndedWithStatus counts ended tasks carrying status.
func (v View) CountEndedWithStatus(status string) int {
	return CountEndedWithStatus(v.state(), status)
}

// AllEnded reports whether every task ended.
func (v View) AllEnded() bool {
	return AllEnded(v.state())
}

// OpenCount returns the number of open tasks.
func (v View) OpenCount() int {
	return len(Open(v.state()))
}

// Len returns the number of tasks.
func (v View) Len() int {
	return len(v.tasks)
}

// FirstStatus returns the status of the first spawned task.
func (v View) FirstStatus() string {
	if len(v.tasks) == 0 {
		return ""
	}
	return v.tasks[0].Status
}

// Statuses returns the statuses of ended tasks in spawn order.
func (v View) Statuses() []string {
	var out []string
	for _, t := range v.tasks {
		if t.Ended && !t.Canceled {
			out = append(out, t.Status)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
