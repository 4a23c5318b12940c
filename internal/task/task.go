// Package task defines the task record and input validation rules shared by
// the cache, offline queue, and mutation engine.
package task

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxTitleLen is the longest accepted task title.
	MaxTitleLen = 100
	// MaxDescriptionLen is the longest accepted task description.
	MaxDescriptionLen = 500

	// tempIDPrefix marks client-assigned ids used before the record store
	// returns an authoritative id.
	tempIDPrefix = "temp-"
)

// Task is a single task record. Field names follow the persisted wire layout.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Completed   bool      `json:"completed"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// Synced is true once the record store has acknowledged the current
	// local state. Never sent to the server.
	Synced bool `json:"synced"`
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	return t
}

// Provisional reports whether the task still carries a client-local id.
func (t Task) Provisional() bool {
	return IsProvisionalID(t.ID)
}

// IsProvisionalID reports whether id was assigned client-side.
func IsProvisionalID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// NewProvisionalID returns a fresh client-local id.
func NewProvisionalID(now time.Time) string {
	return tempIDPrefix + strconv.FormatInt(now.UnixNano(), 10)
}

// CreateInput carries the caller-supplied fields for a create operation.
type CreateInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Fields is a partial update. Nil pointers leave the field untouched.
type Fields struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// Empty reports whether no field is set.
func (f Fields) Empty() bool {
	return f.Title == nil && f.Description == nil && f.Completed == nil
}

// ValidationError describes input rejected before any cache mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate checks a create input. Rejected input never reaches the cache
// or the wire.
func (in CreateInput) Validate() error {
	if err := validateTitle(in.Title); err != nil {
		return err
	}
	return validateDescription(in.Description)
}

// Validate checks a partial update.
func (f Fields) Validate() error {
	if f.Title != nil {
		if err := validateTitle(*f.Title); err != nil {
			return err
		}
	}
	if f.Description != nil {
		if err := validateDescription(*f.Description); err != nil {
			return err
		}
	}
	return nil
}

func validateTitle(title string) error {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if utf8.RuneCountInString(trimmed) > MaxTitleLen {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("longer than %d characters", MaxTitleLen)}
	}
	return nil
}

func validateDescription(desc string) error {
	if utf8.RuneCountInString(desc) > MaxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("longer than %d characters", MaxDescriptionLen)}
	}
	return nil
}

// NewProvisional builds the optimistic local task for a create: temp id,
// not completed, not synced, both timestamps at now.
func NewProvisional(in CreateInput, owner string, now time.Time) Task {
	return Task{
		ID:          NewProvisionalID(now),
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Completed:   false,
		Owner:       owner,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Synced:      false,
	}
}

// Apply merges a partial update into the task and bumps UpdatedAt.
func (t *Task) Apply(f Fields, now time.Time) {
	if f.Title != nil {
		t.Title = strings.TrimSpace(*f.Title)
	}
	if f.Description != nil {
		t.Description = *f.Description
	}
	if f.Completed != nil {
		t.Completed = *f.Completed
	}
	t.UpdatedAt = now.UTC()
	t.Synced = false
}
