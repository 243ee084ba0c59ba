package agentclient

import (
	"errors"
	"fmt"
)

// Error kinds carried by AgentJobError.
const (
	// KindJobFailed is a semantic failure reported by the agent: the
	// operation ran and did not succeed.
	KindJobFailed = "job_failed"

	// KindAgentRestart means the agent answered 404 for an operation it
	// should know about — it restarted and lost its job state.
	KindAgentRestart = "agent_restart"
)

// AgentUnavailableError means the agent could not be reached at all: every
// retry attempt failed with a transient transport error. The caller cannot
// tell whether the operation took effect on the agent side.
type AgentUnavailableError struct {
	Agent string // agent name or address, for logs
	Op    string
	Err   error
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("agent %s unavailable during %s: %v", e.Agent, e.Op, e.Err)
}

func (e *AgentUnavailableError) Unwrap() error { return e.Err }

// AgentJobError is a definite failure reported by the agent over HTTP. The
// operation reached the agent and the agent said no; it is never retried.
type AgentJobError struct {
	Kind       string
	StatusCode int
	Message    string
	Stdout     string
	Stderr     string
}

func (e *AgentJobError) Error() string {
	return fmt.Sprintf("agent returned %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

// Detail returns the message plus any captured process output, formatted for
// a job log.
func (e *AgentJobError) Detail() string {
	s := e.Message
	if e.Stdout != "" {
		s += "\nstdout:\n" + e.Stdout
	}
	if e.Stderr != "" {
		s += "\nstderr:\n" + e.Stderr
	}
	return s
}

// IsUnavailable reports whether err is (or wraps) an AgentUnavailableError.
func IsUnavailable(err error) bool {
	var ue *AgentUnavailableError
	return errors.As(err, &ue)
}

// AsJobError extracts an AgentJobError from err, or nil.
func AsJobError(err error) *AgentJobError {
	var je *AgentJobError
	if errors.As(err, &je) {
		return je
	}
	return nil
}
