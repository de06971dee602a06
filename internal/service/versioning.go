package service

import (
	"fmt"
	"strings"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// Checkpoint records an immutable snapshot of the step list.
type Checkpoint struct{ Note string }

// ReturnToStep rewinds the workflow to Command.StepID.
type ReturnToStep struct{ Reason string }

// Resubmit restarts review of a report whose workflow was rejected with
// changes requested.
type Resubmit struct {
	// NewWorkflow replaces the workflow instead of reopening it.
	NewWorkflow bool
	// FileIDs replaces the report's files when non-nil.
	FileIDs []string
	Note    string
}

func (Checkpoint) Kind() ActionKind   { return ActionCheckpoint }
func (ReturnToStep) Kind() ActionKind { return ActionReturnToStep }
func (Resubmit) Kind() ActionKind     { return ActionResubmit }

func (e *Engine) checkpoint(t *Transition, cmd Command, a Checkpoint) error {
	if strings.TrimSpace(a.Note) == "" {
		return errors.InvalidInput("note", "a note is required for a workflow version")
	}
	if !canCheckpoint(t, cmd) {
		return errors.PermissionDenied("only participants of the review can create workflow versions")
	}
	t.Checkpoint = e.snapshot(t.Workflow, cmd.Actor, a.Note)
	return nil
}

// canCheckpoint allows administrators, the uploader and any step assignee.
func canCheckpoint(t *Transition, cmd Command) bool {
	if cmd.Admin || cmd.Actor.ID == t.Report.UploadedBy {
		return true
	}
	for _, s := range t.Workflow.Steps {
		if s.AssignedTo == cmd.Actor.ID || s.CurrentAssignee == cmd.Actor.ID {
			return true
		}
	}
	return false
}

func (e *Engine) snapshot(wf *repository.ApprovalWorkflow, actor Actor, note string) *repository.WorkflowVersion {
	v := &repository.WorkflowVersion{
		Sequence:  len(wf.Versions) + 1,
		Note:      note,
		Status:    wf.Status,
		Steps:     repository.CloneSteps(wf.Steps),
		CreatedBy: actor.ID,
		CreatedAt: e.now(),
	}
	wf.Versions = append(wf.Versions, v)
	return v
}

func (e *Engine) returnToStep(t *Transition, cmd Command, a ReturnToStep) error {
	if strings.TrimSpace(a.Reason) == "" {
		return errors.InvalidInput("reason", "a reason is required to return to a step")
	}
	if cmd.StepID == "" {
		return errors.InvalidInput("step_id", "a target step is required")
	}
	wf := t.Workflow
	target := wf.StepByID(cmd.StepID)
	if target == nil {
		return errors.InvalidTransition("step %s is not part of workflow %s", cmd.StepID, wf.ID)
	}

	switch {
	case wf.Status == repository.WorkflowInProgress:
		current := wf.CurrentStep()
		if current != nil && target.StepNumber > current.StepNumber {
			return errors.InvalidTransition("cannot return forward to step %d (current is %d)",
				target.StepNumber, current.StepNumber)
		}
		if !cmd.Admin && (current == nil || current.CurrentAssignee != cmd.Actor.ID) {
			return errors.PermissionDenied("only the current reviewer or an administrator can return the review")
		}
	case wf.Status == repository.WorkflowRejected && wf.Resubmittable:
		if !cmd.Admin && cmd.Actor.ID != t.Report.UploadedBy {
			return errors.PermissionDenied("only the uploader or an administrator can reopen the review")
		}
	default:
		return errors.InvalidTransition("workflow %s is %s", wf.ID, wf.Status)
	}

	e.snapshot(wf, cmd.Actor, fmt.Sprintf("before return to step %d: %s", target.StepNumber, a.Reason))
	e.rewind(t, target)
	e.comment(t, cmd.Actor, &target.ID, fmt.Sprintf("Returned to step %d: %s", target.StepNumber, a.Reason), true, nil)
	e.notify(t, cmd.Actor, target.CurrentAssignee, &target.ID, EventReviewReturned,
		fmt.Sprintf("%q was returned to you for review: %s", t.Report.Name, a.Reason))
	return nil
}

// rewind resets target and every later step to pending with their original
// assignees and reopens the workflow at target.
func (e *Engine) rewind(t *Transition, target *repository.ApprovalStep) {
	wf := t.Workflow
	for _, s := range wf.Steps {
		if s.StepNumber < target.StepNumber {
			continue
		}
		s.Status = repository.StepPending
		s.CurrentAssignee = s.AssignedTo
		s.DecisionComment = nil
		s.DecidedBy = nil
		s.DecidedByName = nil
		s.DecidedAt = nil
		s.BecameCurrentAt = nil
		s.Conditions = nil
	}
	now := e.now()
	target.BecameCurrentAt = &now

	wf.Status = repository.WorkflowInProgress
	wf.Resubmittable = false
	wf.CompletedAt = nil

	t.Report.Phase = repository.PhaseInReview
	if target.StepNumber == 1 {
		t.Report.Phase = repository.PhasePendingReview
	}
	e.syncReport(t)
}

func (e *Engine) resubmit(t *Transition, cmd Command, a Resubmit) error {
	wf := t.Workflow
	if wf.Status != repository.WorkflowRejected || !wf.Resubmittable {
		return errors.InvalidTransition("only reports with changes requested can be resubmitted (workflow is %s)", wf.Status)
	}
	if !cmd.Admin && cmd.Actor.ID != t.Report.UploadedBy {
		return errors.PermissionDenied("only the uploader or an administrator can resubmit the report")
	}
	if a.FileIDs != nil {
		t.Report.FileIDs = append([]string(nil), a.FileIDs...)
	}
	note := "resubmitted"
	if a.Note != "" {
		note += ": " + a.Note
	}

	if a.NewWorkflow {
		return e.reissue(t, cmd, note)
	}

	target := designatedStep(wf, cmd.StepID)
	if target == nil {
		return errors.InvalidTransition("step %s is not part of workflow %s", cmd.StepID, wf.ID)
	}
	e.snapshot(wf, cmd.Actor, "before resubmission")
	e.rewind(t, target)
	t.Report.Phase = repository.PhasePendingReview
	e.comment(t, cmd.Actor, nil, note, false, nil)
	e.notify(t, cmd.Actor, target.CurrentAssignee, &target.ID, EventReviewRequested,
		fmt.Sprintf("%q was resubmitted and is waiting for your review (step %d)", t.Report.Name, target.StepNumber))
	return nil
}

// designatedStep picks the step a reopened workflow restarts at: the
// requested step, else the rejected step, else the first step.
func designatedStep(wf *repository.ApprovalWorkflow, stepID string) *repository.ApprovalStep {
	if stepID != "" {
		return wf.StepByID(stepID)
	}
	for _, s := range wf.Steps {
		if s.Status == repository.StepRejected {
			return s
		}
	}
	return wf.Steps[0]
}

// reissue retires the rejected workflow and starts a fresh one with the same
// chain, minus escalation steps.
func (e *Engine) reissue(t *Transition, cmd Command, note string) error {
	old := t.Workflow
	old.Resubmittable = false

	now := e.now()
	next := &repository.ApprovalWorkflow{
		ID:        e.newID(),
		ReportID:  old.ReportID,
		ProjectID: old.ProjectID,
		Status:    repository.WorkflowInProgress,
		Version:   1,
		Policy:    old.Policy,
		CreatedAt: now,
	}
	for _, s := range old.Steps {
		if s.EscalationOrigin {
			continue
		}
		next.Steps = append(next.Steps, &repository.ApprovalStep{
			ID:              e.newID(),
			RequiredRole:    s.RequiredRole,
			AssignedTo:      s.AssignedTo,
			CurrentAssignee: s.AssignedTo,
			Weight:          s.Weight,
			Status:          repository.StepPending,
		})
	}
	if len(next.Steps) == 0 {
		return errors.InvalidTransition("workflow %s has no steps to reissue", old.ID)
	}
	next.Renumber()
	next.Steps[0].BecameCurrentAt = &now

	t.Retired = old
	t.Workflow = next
	t.Report.Phase = repository.PhasePendingReview
	e.syncReport(t)

	first := next.Steps[0]
	e.comment(t, cmd.Actor, nil, note, false, nil)
	e.notify(t, cmd.Actor, first.CurrentAssignee, &first.ID, EventReviewRequested,
		fmt.Sprintf("%q was resubmitted and is waiting for your review (step 1)", t.Report.Name))
	return nil
}
