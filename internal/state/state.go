// Package state persists the run record that makes agentloop resumable.
//
// The store owns one JSON file per run. Every mutation is written with a
// temp-file-plus-rename so a crash mid-write leaves the previous record
// intact rather than a torn one.
package state

import (
	"errors"
	"time"
)

// Status is the lifecycle state of one work item.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

var (
	// ErrNoRun indicates no persisted run exists yet.
	ErrNoRun = errors.New("no run state found")

	// ErrRunExists indicates a run already exists and must be reset
	// before a new one can be created.
	ErrRunExists = errors.New("run state already exists; reset it first")

	// ErrListChanged indicates the supplied task list does not match the
	// one the persisted run was created from.
	ErrListChanged = errors.New("task list changed since run was created; reset required")

	// ErrIndexOutOfRange indicates an item index outside the run.
	ErrIndexOutOfRange = errors.New("item index out of range")
)

// Item is the persisted record of one work item.
type Item struct {
	Group         string     `json:"group"`
	Text          string     `json:"text"`
	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	SessionHandle string     `json:"session_handle,omitempty"`
	CheckpointID  string     `json:"checkpoint_id,omitempty"`
	LogRef        string     `json:"log_ref,omitempty"`
	InterruptedAt *time.Time `json:"interrupted_at,omitempty"`

	// PartialContext is the tail of the captured output at interrupt
	// time, folded into the first retry's hint on resume.
	PartialContext string `json:"partial_context,omitempty"`
}

// Terminal reports whether the item needs no further work.
func (it *Item) Terminal() bool {
	return it.Status == StatusCompleted || it.Status == StatusFailed
}

// RunState is the persisted aggregate for one run.
type RunState struct {
	RunID          string    `json:"run_id"`
	SourceListHash string    `json:"source_list_hash"`
	StartedAt      time.Time `json:"started_at"`
	Items          []Item    `json:"items"`
}

// StuckRunning returns the indexes of items left in running state, which
// only happens after a hard kill that bypassed the interrupt handler.
func (rs *RunState) StuckRunning() []int {
	var stuck []int
	for i := range rs.Items {
		if rs.Items[i].Status == StatusRunning {
			stuck = append(stuck, i)
		}
	}
	return stuck
}
