package task

import "errors"

var (
	ErrNotFound           = errors.New("task not found")
	ErrInvalidInput       = errors.New("invalid task input")
	ErrInvalidRule        = errors.New("invalid reminder rule")
	ErrMalformedRule      = errors.New("malformed reminder rule")
	ErrParentNotFound     = errors.New("parent task not found")
	ErrParentCycle        = errors.New("parent reference would create a cycle")
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrRuleChanged rejects a watermark write for a task whose rule was
	// replaced (or that was completed) after the scheduler took its snapshot.
	ErrRuleChanged = errors.New("reminder rule changed since snapshot")
)
