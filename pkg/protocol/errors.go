package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrAlreadyRunning is returned when another process holds the daemon lock.
	ErrAlreadyRunning = errors.New("already running")

	// ErrSessionAbsent reports that a terminal session does not exist. Teardown
	// paths treat it as success.
	ErrSessionAbsent = errors.New("session absent")

	// ErrCorruptState reports an unparseable persisted document.
	ErrCorruptState = errors.New("corrupt state document")

	// ErrAuthInvalid reports that the worker's credentials or config are unusable.
	ErrAuthInvalid = errors.New("worker authentication invalid")

	// ErrSchemaCorrupt is fatal: the relational store failed an integrity check.
	ErrSchemaCorrupt = errors.New("store schema corrupt")
)

// ProjectNotFoundError reports a project id lookup miss.
type ProjectNotFoundError struct {
	ID int64
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %d not found", e.ID)
}

// InvalidTransitionError reports a rejected status change.
type InvalidTransitionError struct {
	ID   int64
	From ProjectStatus
	To   ProjectStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("project %d: invalid transition %s -> %s", e.ID, e.From, e.To)
}
