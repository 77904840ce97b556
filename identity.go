package durable

import (
	"encoding/json"
	"fmt"
)

// WorkflowIDReusePolicy decides whether a workflow ID held by a previous run
// may be used to start a new run.
type WorkflowIDReusePolicy int

const (
	// AllowDuplicateFailedOnly admits a new run only when the previous run
	// did not succeed. It is the default.
	AllowDuplicateFailedOnly WorkflowIDReusePolicy = iota
	// AllowDuplicate admits a new run whatever the previous run's outcome.
	AllowDuplicate
	// RejectDuplicate never reuses a workflow ID.
	RejectDuplicate
	// TerminateIfRunning terminates an open run holding the ID, then starts
	// the new run.
	TerminateIfRunning
)

var reusePolicyNames = map[WorkflowIDReusePolicy]string{
	AllowDuplicateFailedOnly: "AllowDuplicateFailedOnly",
	AllowDuplicate:           "AllowDuplicate",
	RejectDuplicate:          "RejectDuplicate",
	TerminateIfRunning:       "TerminateIfRunning",
}

func (p WorkflowIDReusePolicy) String() string {
	if name, ok := reusePolicyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("WorkflowIDReusePolicy(%d)", int(p))
}

// ParseWorkflowIDReusePolicy parses the name of a policy
func ParseWorkflowIDReusePolicy(s string) (WorkflowIDReusePolicy, error) {
	if s == "" {
		return AllowDuplicateFailedOnly, nil
	}
	for p, name := range reusePolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown workflow id reuse policy %q", s)
}

func (p WorkflowIDReusePolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *WorkflowIDReusePolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseWorkflowIDReusePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// CheckWorkflowIDReuse applies policy to the most recent run holding a
// workflow ID. It reports whether that run must be terminated first, or
// returns an AlreadyStartedError when the start is rejected. A nil prior
// admits the start.
func CheckWorkflowIDReuse(policy WorkflowIDReusePolicy, prior *ExecutionInfo) (terminatePrior bool, err error) {
	if prior == nil {
		return false, nil
	}
	rejected := &AlreadyStartedError{WorkflowID: prior.Execution.WorkflowID, RunID: prior.Execution.RunID}
	if !prior.Status.IsTerminal() {
		if policy == TerminateIfRunning {
			return true, nil
		}
		return false, rejected
	}
	switch policy {
	case AllowDuplicate, TerminateIfRunning:
		return false, nil
	case RejectDuplicate:
		return false, rejected
	default:
		if prior.Status.Succeeded() {
			return false, rejected
		}
		return false, nil
	}
}
