package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// Delegate hands the current step to another user. The step keeps its
// position, weight and pending status.
type Delegate struct {
	ToUserID string
	Reason   string
}

// Escalate inserts a forced review step right after the current one.
type Escalate struct {
	ToUserID string
	Reason   string
	// Weight of the inserted step. Nil means 1.
	Weight *int
}

// SetDueDate sets or clears (nil) a step's due date.
type SetDueDate struct {
	DueAt *time.Time
}

func (Delegate) Kind() ActionKind   { return ActionDelegate }
func (Escalate) Kind() ActionKind   { return ActionEscalate }
func (SetDueDate) Kind() ActionKind { return ActionSetDueDate }

// EscalationRole is the required role recorded on inserted escalation steps.
const EscalationRole = "escalation"

func (e *Engine) delegate(t *Transition, cmd Command, a Delegate) error {
	to := strings.TrimSpace(a.ToUserID)
	if to == "" {
		return errors.InvalidInput("to_user_id", "a delegate is required")
	}
	if strings.TrimSpace(a.Reason) == "" {
		return errors.InvalidInput("reason", "a reason is required to delegate")
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}
	if step.CurrentAssignee == to {
		return errors.InvalidInput("to_user_id", "the step is already assigned to this user")
	}

	step.Delegations = append(step.Delegations, repository.DelegationRecord{
		FromUserID: step.CurrentAssignee,
		ToUserID:   to,
		Reason:     a.Reason,
		ActorID:    cmd.Actor.ID,
		At:         e.now(),
	})
	step.CurrentAssignee = to
	e.syncReport(t)

	e.comment(t, cmd.Actor, &step.ID, fmt.Sprintf("Delegated step %d to %s: %s", step.StepNumber, to, a.Reason), true, nil)
	e.notify(t, cmd.Actor, to, &step.ID, EventReviewDelegated,
		fmt.Sprintf("%s delegated the review of %q to you: %s", displayName(cmd.Actor), t.Report.Name, a.Reason))
	return nil
}

func (e *Engine) escalate(t *Transition, cmd Command, a Escalate) error {
	to := strings.TrimSpace(a.ToUserID)
	if to == "" {
		return errors.InvalidInput("escalate_to", "an escalation target is required")
	}
	if strings.TrimSpace(a.Reason) == "" {
		return errors.InvalidInput("reason", "a reason is required to escalate")
	}
	weight := 1
	if a.Weight != nil {
		if *a.Weight < 0 {
			return errors.InvalidInput("weight", "weight must not be negative")
		}
		weight = *a.Weight
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}

	wf := t.Workflow
	inserted := &repository.ApprovalStep{
		ID:               e.newID(),
		RequiredRole:     EscalationRole,
		AssignedTo:       to,
		CurrentAssignee:  to,
		Weight:           weight,
		Status:           repository.StepPending,
		EscalationOrigin: true,
	}
	steps := make([]*repository.ApprovalStep, 0, len(wf.Steps)+1)
	for _, s := range wf.Steps {
		steps = append(steps, s)
		if s.ID == step.ID {
			steps = append(steps, inserted)
		}
	}
	wf.Steps = steps
	wf.Renumber()

	step.Escalations = append(step.Escalations, repository.EscalationRecord{
		FromUserID:     step.CurrentAssignee,
		ToUserID:       to,
		Reason:         a.Reason,
		ActorID:        cmd.Actor.ID,
		InsertedStepID: inserted.ID,
		At:             e.now(),
	})
	e.syncReport(t)

	e.comment(t, cmd.Actor, &step.ID, fmt.Sprintf("Escalated to %s as step %d: %s", to, inserted.StepNumber, a.Reason), true, nil)
	e.notify(t, cmd.Actor, to, &inserted.ID, EventReviewEscalated,
		fmt.Sprintf("%s escalated %q to you: %s", displayName(cmd.Actor), t.Report.Name, a.Reason))
	return nil
}

func (e *Engine) setDueDate(t *Transition, cmd Command, a SetDueDate) error {
	if cmd.StepID == "" {
		return errors.InvalidInput("step_id", "a step is required")
	}
	step := t.Workflow.StepByID(cmd.StepID)
	if step == nil {
		return errors.NotFound("approval_step", cmd.StepID)
	}
	if step.Status.Decided() {
		return errors.InvalidTransition("step %d is already %s", step.StepNumber, step.Status)
	}
	if !cmd.Admin {
		return errors.PermissionDenied("only an administrator can set step due dates")
	}
	step.DueAt = a.DueAt
	return nil
}
