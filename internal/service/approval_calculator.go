package service

import (
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// Evaluation is the policy outcome over a set of steps.
type Evaluation struct {
	Satisfied      bool
	Rejected       bool
	TotalWeight    int
	ApprovedWeight int
	RequiredWeight int
	ApprovedCount  int
}

// WeightedApproval is the externally visible weight summary of a workflow.
type WeightedApproval struct {
	IsApproved     bool `json:"is_approved"`
	TotalWeight    int  `json:"total_weight"`
	ApprovedWeight int  `json:"approved_weight"`
	RequiredWeight int  `json:"required_weight"`
}

// Evaluate combines step outcomes under policy. A rejected step always wins.
// Skipped steps count towards unanimity but contribute no weight.
func Evaluate(steps []*repository.ApprovalStep, policy repository.ApprovalPolicy) Evaluation {
	var ev Evaluation
	resolved := 0
	for _, s := range steps {
		ev.TotalWeight += s.Weight
		switch s.Status {
		case repository.StepApproved:
			ev.ApprovedWeight += s.Weight
			ev.ApprovedCount++
			resolved++
		case repository.StepSkipped:
			resolved++
		case repository.StepRejected:
			ev.Rejected = true
		}
	}
	if policy.Kind == repository.PolicyWeighted {
		ev.RequiredWeight = policy.RequiredWeight
	}
	if ev.Rejected {
		return ev
	}

	switch policy.Kind {
	case repository.PolicyQuorum:
		quorum := policy.QuorumCount
		if quorum < 1 {
			quorum = 1
		}
		ev.Satisfied = ev.ApprovedCount >= quorum
	case repository.PolicyWeighted:
		ev.Satisfied = policy.RequiredWeight > 0 && ev.ApprovedWeight >= policy.RequiredWeight
	default:
		ev.Satisfied = len(steps) > 0 && resolved == len(steps)
	}
	return ev
}

// WeightedApprovalOf summarises a workflow's weights.
func WeightedApprovalOf(wf *repository.ApprovalWorkflow) WeightedApproval {
	ev := Evaluate(wf.Steps, wf.Policy)
	return WeightedApproval{
		IsApproved:     ev.Satisfied,
		TotalWeight:    ev.TotalWeight,
		ApprovedWeight: ev.ApprovedWeight,
		RequiredWeight: ev.RequiredWeight,
	}
}

// ValidatePolicy checks that a policy can ever be satisfied by steps.
func ValidatePolicy(policy repository.ApprovalPolicy, steps []*repository.ApprovalStep) error {
	switch policy.Kind {
	case repository.PolicyUnanimous, "":
		return nil
	case repository.PolicyQuorum:
		if policy.QuorumCount < 1 || policy.QuorumCount > len(steps) {
			return invalidPolicy("quorum_count must be between 1 and the number of steps")
		}
		return nil
	case repository.PolicyWeighted:
		total := 0
		for _, s := range steps {
			total += s.Weight
		}
		if policy.RequiredWeight < 1 || policy.RequiredWeight > total {
			return invalidPolicy("required_weight must be between 1 and the total step weight")
		}
		return nil
	}
	return invalidPolicy("unknown policy kind " + string(policy.Kind))
}
