package domain

import "errors"

var (
	// ErrInvalidAgent is returned when an agent definition is malformed:
	// missing id, unknown type, or an empty capability set. Never retried.
	ErrInvalidAgent = errors.New("invalid agent definition")

	// ErrDuplicateAgent is returned on an agent id collision at registration.
	ErrDuplicateAgent = errors.New("agent id already registered")

	// ErrRegistryFull is returned when the registry holds its configured
	// maximum number of agents.
	ErrRegistryFull = errors.New("registry at capacity")

	// ErrAgentNotFound is returned by operations referencing an unknown id.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoCandidates is returned when consensus is requested with zero
	// candidate agents.
	ErrNoCandidates = errors.New("no candidate agents")

	// ErrProposalInProgress is returned when a consensus request arrives for
	// a task that already has a pending proposal.
	ErrProposalInProgress = errors.New("consensus proposal already pending for task")

	// ErrTooManyProposals is returned when the consensus engine is at its
	// configured in-flight proposal limit.
	ErrTooManyProposals = errors.New("too many in-flight consensus proposals")

	// ErrTaskNotFound is returned by task operations referencing an unknown
	// task id.
	ErrTaskNotFound = errors.New("task not found")
)
