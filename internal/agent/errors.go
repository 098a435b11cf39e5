package agent

import (
	"errors"
	"strings"
)

var (
	// ErrPermissionDenied marks a tool blocked by policy.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrModelTimeout marks a transport call that exceeded its deadline.
	ErrModelTimeout = errors.New("model timeout")

	// ErrCancelled marks cooperative run cancellation.
	ErrCancelled = errors.New("run cancelled")
)

// isTimeoutErr classifies transport failures by message: providers agree
// to include "timeout" in deadline errors.
func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrModelTimeout) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// isCancelErr classifies cancellation by the "cancel" message substring.
func isCancelErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "cancel")
}
