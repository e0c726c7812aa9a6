package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by the engine.
type ErrorKind string

const (
	KindConfig             ErrorKind = "config"
	KindToolUnavailable    ErrorKind = "tool_unavailable"
	KindAgentOutputInvalid ErrorKind = "agent_output_invalid"
	KindNodeTimeout        ErrorKind = "node_timeout"
	KindNodeFailed         ErrorKind = "node_failed"
	KindRunFailed          ErrorKind = "run_failed"
	KindRunTimeout         ErrorKind = "run_timeout"
	KindInvalidInput       ErrorKind = "invalid_input"
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrConfig             = &Error{Kind: KindConfig}
	ErrToolUnavailable    = &Error{Kind: KindToolUnavailable}
	ErrAgentOutputInvalid = &Error{Kind: KindAgentOutputInvalid}
	ErrNodeTimeout        = &Error{Kind: KindNodeTimeout}
	ErrNodeFailed         = &Error{Kind: KindNodeFailed}
	ErrRunFailed          = &Error{Kind: KindRunFailed}
	ErrRunTimeout         = &Error{Kind: KindRunTimeout}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
)

// Error is the structured error type shared by every component.
type Error struct {
	Kind      ErrorKind
	Node      string
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Node != "" {
		msg += " [" + e.Node + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithNode returns a copy of e attributed to node.
func (e *Error) WithNode(node string) *Error {
	cp := *e
	cp.Node = node
	return &cp
}

func NewConfigError(format string, args ...any) *Error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

func NewInvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func NewToolUnavailable(capability string, cause error) *Error {
	return &Error{
		Kind:      KindToolUnavailable,
		Message:   capability,
		Retryable: true,
		Cause:     cause,
	}
}

func NewAgentOutputInvalid(node string, cause error) *Error {
	return &Error{Kind: KindAgentOutputInvalid, Node: node, Message: "could not parse agent output", Cause: cause}
}

func NewNodeTimeout(node string, cause error) *Error {
	return &Error{Kind: KindNodeTimeout, Node: node, Message: "deadline exceeded", Retryable: true, Cause: cause}
}

func NewNodeFailed(node string, cause error) *Error {
	return &Error{Kind: KindNodeFailed, Node: node, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or "" when none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
