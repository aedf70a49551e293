package model

import (
	"fmt"
	"strconv"
	"strings"
)

// TaskStatus is the mapping state of a task or of a single entity. Entities
// carry it as an integer-as-string ("0", "2", ...) in their "status" field.
type TaskStatus int

const (
	StatusReady TaskStatus = iota
	StatusLockedForMapping
	StatusMapped
	StatusLockedForValidation
	StatusValidated
	StatusInvalidated
	StatusBad
	StatusSplit
	StatusArchived
)

var statusNames = []string{
	"READY",
	"LOCKED_FOR_MAPPING",
	"MAPPED",
	"LOCKED_FOR_VALIDATION",
	"VALIDATED",
	"INVALIDATED",
	"BAD",
	"SPLIT",
	"ARCHIVED",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
	return statusNames[s]
}

// Value returns the entity wire value.
func (s TaskStatus) Value() string {
	return strconv.Itoa(int(s))
}

// ParseTaskStatus accepts either the name ("MAPPED") or the integer value ("2").
func ParseTaskStatus(s string) (TaskStatus, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(statusNames) {
			return 0, fmt.Errorf("unknown task status %d", n)
		}
		return TaskStatus(n), nil
	}
	for i, name := range statusNames {
		if strings.EqualFold(name, s) {
			return TaskStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task status %q", s)
}
