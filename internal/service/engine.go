package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// Actor identifies the user performing an action.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ActionKind names an action for dispatch, metrics and audit.
type ActionKind string

const (
	ActionApprove            ActionKind = "approve"
	ActionReject             ActionKind = "reject"
	ActionRequestChanges     ActionKind = "request_changes"
	ActionSkip               ActionKind = "skip"
	ActionComment            ActionKind = "comment"
	ActionRequestInformation ActionKind = "request_information"
	ActionConditionalApprove ActionKind = "conditional_approve"
	ActionDelegate           ActionKind = "delegate"
	ActionEscalate           ActionKind = "escalate"
	ActionSetDueDate         ActionKind = "set_due_date"
	ActionCheckpoint         ActionKind = "checkpoint"
	ActionReturnToStep       ActionKind = "return_to_step"
	ActionResubmit           ActionKind = "resubmit"
	ActionCancel             ActionKind = "cancel"
)

// Action is the closed set of operations the engine understands. Each
// variant carries exactly the payload it needs.
type Action interface {
	Kind() ActionKind
}

// Approve decides the current step in favour.
type Approve struct {
	Comment string
	// SkipToFinalApproval skips every step between the current and the last one.
	SkipToFinalApproval bool
}

// Reject ends the workflow. The comment is required.
type Reject struct{ Comment string }

// RequestChanges rejects the current step and leaves the workflow open to
// resubmission by the uploader.
type RequestChanges struct{ Comment string }

// Skip passes over the current step without a decision.
type Skip struct{ Reason string }

// RequestInformation asks another user for input while the step stays
// current.
type RequestInformation struct {
	RequestedFrom string
	Information   string
	Deadline      *time.Time
}

// ConditionalApprove approves the current step subject to conditions.
type ConditionalApprove struct {
	Conditions []string
	Comment    string
}

// AddComment posts a comment without changing workflow state.
type AddComment struct {
	Content  string
	Internal bool
	ReplyTo  *string
}

// Cancel ends the workflow on behalf of the uploader or an administrator.
type Cancel struct{ Reason string }

func (Approve) Kind() ActionKind            { return ActionApprove }
func (Reject) Kind() ActionKind             { return ActionReject }
func (RequestChanges) Kind() ActionKind     { return ActionRequestChanges }
func (Skip) Kind() ActionKind               { return ActionSkip }
func (RequestInformation) Kind() ActionKind { return ActionRequestInformation }
func (ConditionalApprove) Kind() ActionKind { return ActionConditionalApprove }
func (AddComment) Kind() ActionKind         { return ActionComment }
func (Cancel) Kind() ActionKind             { return ActionCancel }

// Command is one actor action against one workflow snapshot.
type Command struct {
	// ExpectedVersion is the workflow version the actor read.
	ExpectedVersion int64
	// StepID targets a step. Empty means the current step where that applies.
	StepID string
	Actor  Actor
	// Admin is resolved by the caller from the identity provider.
	Admin  bool
	Action Action
}

// Notification event names.
const (
	EventReviewRequested      = "review_requested"
	EventReportApproved       = "report_approved"
	EventReportRejected       = "report_rejected"
	EventChangesRequested     = "changes_requested"
	EventInformationRequested = "information_requested"
	EventReviewDelegated      = "review_delegated"
	EventReviewEscalated      = "review_escalated"
	EventReviewReturned       = "review_returned"
	EventWorkflowCancelled    = "workflow_cancelled"
)

// Transition is the result of applying a command. The inputs are never
// modified; Report and Workflow are new snapshots.
type Transition struct {
	Report   *repository.Report
	Workflow *repository.ApprovalWorkflow
	// Retired is set when resubmission replaced the workflow.
	Retired       *repository.ApprovalWorkflow
	Comments      []*repository.ReportComment
	Notifications []*repository.ReportNotification
	Checkpoint    *repository.WorkflowVersion
	// Mutated is false for actions that only append comments.
	Mutated bool
}

// Engine is the step transition state machine. It is stateless: every call
// maps a snapshot and a command to a new snapshot.
type Engine struct {
	now             func() time.Time
	newID           func() string
	rejectionsFinal bool
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides id generation.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an Engine. rejectionsFinal makes a plain reject terminal;
// otherwise rejected reports go back to their uploader for changes.
func NewEngine(rejectionsFinal bool, opts ...EngineOption) *Engine {
	e := &Engine{
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		rejectionsFinal: rejectionsFinal,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply validates cmd against the snapshot and returns the resulting transition.
func (e *Engine) Apply(report *repository.Report, wf *repository.ApprovalWorkflow, cmd Command) (*Transition, error) {
	if cmd.Action == nil {
		return nil, errors.InvalidInput("action", "action is required")
	}
	if cmd.ExpectedVersion != wf.Version {
		return nil, errors.Conflict(wf.ID, cmd.ExpectedVersion, wf.Version)
	}
	if wf.IsTerminal() {
		return nil, errors.Terminal(wf.ID, string(wf.Status))
	}

	t := &Transition{Report: report.Clone(), Workflow: wf.Clone(), Mutated: true}

	var err error
	switch a := cmd.Action.(type) {
	case Approve:
		err = e.approve(t, cmd, a)
	case Reject:
		err = e.reject(t, cmd, a.Comment, !e.rejectionsFinal, "comment")
	case RequestChanges:
		err = e.reject(t, cmd, a.Comment, true, "comment")
	case Skip:
		err = e.skip(t, cmd, a)
	case ConditionalApprove:
		err = e.conditionalApprove(t, cmd, a)
	case RequestInformation:
		err = e.requestInformation(t, cmd, a)
	case AddComment:
		err = e.addComment(t, cmd, a)
	case Delegate:
		err = e.delegate(t, cmd, a)
	case Escalate:
		err = e.escalate(t, cmd, a)
	case SetDueDate:
		err = e.setDueDate(t, cmd, a)
	case Checkpoint:
		err = e.checkpoint(t, cmd, a)
	case ReturnToStep:
		err = e.returnToStep(t, cmd, a)
	case Resubmit:
		err = e.resubmit(t, cmd, a)
	case Cancel:
		err = e.cancel(t, cmd, a)
	default:
		err = errors.InvalidInput("action", fmt.Sprintf("unsupported action %T", cmd.Action))
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ── Decisions ────────────────────────────────────────────────────────────────

func (e *Engine) approve(t *Transition, cmd Command, a Approve) error {
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}
	if a.SkipToFinalApproval && !cmd.Admin {
		return errors.PermissionDenied("only an administrator can skip to final approval")
	}

	e.decide(step, repository.StepApproved, optional(a.Comment), cmd.Actor)
	if a.SkipToFinalApproval {
		e.skipToFinal(t.Workflow, step, cmd.Actor)
	}
	e.advance(t, step, cmd.Actor)
	return nil
}

func (e *Engine) conditionalApprove(t *Transition, cmd Command, a ConditionalApprove) error {
	conditions := make([]string, 0, len(a.Conditions))
	for _, c := range a.Conditions {
		if c = strings.TrimSpace(c); c != "" {
			conditions = append(conditions, c)
		}
	}
	if len(conditions) == 0 {
		return errors.InvalidInput("conditions", "at least one condition is required")
	}
	if strings.TrimSpace(a.Comment) == "" {
		return errors.InvalidInput("comment", "a comment is required for conditional approval")
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}

	e.decide(step, repository.StepApproved, optional(a.Comment), cmd.Actor)
	step.Conditions = conditions
	e.advance(t, step, cmd.Actor)
	return nil
}

func (e *Engine) skip(t *Transition, cmd Command, a Skip) error {
	if strings.TrimSpace(a.Reason) == "" {
		return errors.InvalidInput("reason", "a reason is required to skip a step")
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}

	e.decide(step, repository.StepSkipped, optional(a.Reason), cmd.Actor)
	e.advance(t, step, cmd.Actor)
	return nil
}

func (e *Engine) reject(t *Transition, cmd Command, comment string, resubmittable bool, field string) error {
	if strings.TrimSpace(comment) == "" {
		return errors.InvalidInput(field, "a comment is required to reject")
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}

	e.decide(step, repository.StepRejected, optional(comment), cmd.Actor)
	e.finishRejected(t, resubmittable, cmd.Actor, fmt.Sprintf("%s: %s", displayName(cmd.Actor), comment))
	return nil
}

func (e *Engine) requestInformation(t *Transition, cmd Command, a RequestInformation) error {
	if strings.TrimSpace(a.RequestedFrom) == "" {
		return errors.InvalidInput("requested_from", "a user to request information from is required")
	}
	if strings.TrimSpace(a.Information) == "" {
		return errors.InvalidInput("information_needed", "describe the information needed")
	}
	step, err := e.actionableStep(t.Workflow, cmd)
	if err != nil {
		return err
	}

	now := e.now()
	step.InformationRequests = append(step.InformationRequests, repository.InformationRequest{
		RequestedFrom: a.RequestedFrom,
		RequestedBy:   cmd.Actor.ID,
		Information:   a.Information,
		Deadline:      a.Deadline,
		At:            now,
	})

	content := "Information requested: " + a.Information
	if a.Deadline != nil {
		content += " (needed by " + a.Deadline.Format("2006-01-02") + ")"
	}
	e.comment(t, cmd.Actor, &step.ID, content, false, nil)
	e.notify(t, cmd.Actor, a.RequestedFrom, &step.ID, EventInformationRequested,
		fmt.Sprintf("%s needs information on %q: %s", displayName(cmd.Actor), t.Report.Name, a.Information))
	return nil
}

func (e *Engine) addComment(t *Transition, cmd Command, a AddComment) error {
	if strings.TrimSpace(a.Content) == "" {
		return errors.InvalidInput("content", "comment content is required")
	}
	var stepID *string
	if cmd.StepID != "" {
		step := t.Workflow.StepByID(cmd.StepID)
		if step == nil {
			return errors.NotFound("approval_step", cmd.StepID)
		}
		stepID = &step.ID
	}
	e.comment(t, cmd.Actor, stepID, a.Content, a.Internal, a.ReplyTo)
	t.Mutated = false
	return nil
}

func (e *Engine) cancel(t *Transition, cmd Command, a Cancel) error {
	if cmd.Actor.ID != t.Report.UploadedBy && !cmd.Admin {
		return errors.PermissionDenied("only the uploader or an administrator can cancel the workflow")
	}
	wf := t.Workflow
	current := wf.CurrentStep()

	now := e.now()
	wf.Status = repository.WorkflowCancelled
	wf.Resubmittable = false
	wf.CompletedAt = &now
	wf.CancelReason = optional(a.Reason)
	t.Report.Phase = repository.PhaseCancelled
	e.syncReport(t)

	if current != nil {
		msg := fmt.Sprintf("Review of %q was cancelled", t.Report.Name)
		if a.Reason != "" {
			msg += ": " + a.Reason
		}
		e.notify(t, cmd.Actor, current.CurrentAssignee, &current.ID, EventWorkflowCancelled, msg)
	}
	return nil
}

// ── Shared transition helpers ────────────────────────────────────────────────

// actionableStep resolves the command's step, requiring it to be the current
// step of an in-progress workflow and the actor to be allowed to act on it.
func (e *Engine) actionableStep(wf *repository.ApprovalWorkflow, cmd Command) (*repository.ApprovalStep, error) {
	if wf.Status != repository.WorkflowInProgress {
		return nil, errors.InvalidTransition("workflow %s is %s, not in progress", wf.ID, wf.Status)
	}
	current := wf.CurrentStep()
	if current == nil {
		return nil, errors.InvalidTransition("workflow %s has no current step", wf.ID)
	}
	step := current
	if cmd.StepID != "" {
		step = wf.StepByID(cmd.StepID)
		if step == nil {
			return nil, errors.NotFound("approval_step", cmd.StepID)
		}
		if step.ID != current.ID {
			return nil, errors.InvalidTransition("step %d is not the current step (current is %d)",
				step.StepNumber, current.StepNumber)
		}
	}
	if !canAct(step, cmd) {
		return nil, errors.PermissionDenied("user is not authorized to act on this review step")
	}
	return step, nil
}

// canAct reports whether the actor is the step's assignee or an administrator.
// Unassigned steps can be acted on by anyone with project access.
func canAct(step *repository.ApprovalStep, cmd Command) bool {
	if cmd.Admin {
		return true
	}
	if step.CurrentAssignee == "" {
		return true
	}
	return step.CurrentAssignee == cmd.Actor.ID
}

func (e *Engine) decide(step *repository.ApprovalStep, status repository.StepStatus, comment *string, actor Actor) {
	now := e.now()
	step.Status = status
	step.DecisionComment = comment
	step.DecidedBy = &actor.ID
	name := displayName(actor)
	step.DecidedByName = &name
	step.DecidedAt = &now
}

func (e *Engine) skipToFinal(wf *repository.ApprovalWorkflow, from *repository.ApprovalStep, actor Actor) {
	last := wf.Steps[len(wf.Steps)-1]
	reason := "skipped to final approval"
	for _, s := range wf.Steps {
		if s.StepNumber > from.StepNumber && s.ID != last.ID && s.Status == repository.StepPending {
			e.decide(s, repository.StepSkipped, &reason, actor)
		}
	}
}

// advance recomputes workflow status after a non-rejecting decision.
func (e *Engine) advance(t *Transition, decided *repository.ApprovalStep, actor Actor) {
	wf := t.Workflow
	eval := Evaluate(wf.Steps, wf.Policy)

	switch {
	case eval.Satisfied:
		now := e.now()
		wf.Status = repository.WorkflowApproved
		wf.CompletedAt = &now
		t.Report.Phase = repository.PhaseApproved
		e.syncReport(t)
		e.notify(t, actor, t.Report.UploadedBy, nil, EventReportApproved,
			fmt.Sprintf("%q has been approved", t.Report.Name))
		return
	}

	next := wf.NextStepAfter(decided.StepNumber)
	if next == nil {
		e.finishRejected(t, true, actor,
			fmt.Sprintf("the approval policy (%s) was not met by the review chain", wf.Policy.Kind))
		return
	}

	now := e.now()
	next.BecameCurrentAt = &now
	t.Report.Phase = repository.PhaseInReview
	e.syncReport(t)
	e.notify(t, actor, next.CurrentAssignee, &next.ID, EventReviewRequested,
		fmt.Sprintf("%q is waiting for your review (step %d)", t.Report.Name, next.StepNumber))
}

func (e *Engine) finishRejected(t *Transition, resubmittable bool, actor Actor, reason string) {
	now := e.now()
	wf := t.Workflow
	wf.Status = repository.WorkflowRejected
	wf.Resubmittable = resubmittable
	wf.CompletedAt = &now

	event := EventReportRejected
	t.Report.Phase = repository.PhaseRejected
	if resubmittable {
		event = EventChangesRequested
		t.Report.Phase = repository.PhaseChangesRequested
	}
	e.syncReport(t)
	e.notify(t, actor, t.Report.UploadedBy, nil, event,
		fmt.Sprintf("%q was not approved: %s", t.Report.Name, reason))
}

// syncReport mirrors the workflow's reviewer pointers onto the report.
func (e *Engine) syncReport(t *Transition) {
	r, wf := t.Report, t.Workflow
	r.WorkflowID = &wf.ID
	r.CurrentReviewerID = nil
	r.NextReviewerID = nil
	if current := wf.CurrentStep(); current != nil {
		r.CurrentReviewerID = optional(current.CurrentAssignee)
		if next := wf.NextStepAfter(current.StepNumber); next != nil {
			r.NextReviewerID = optional(next.CurrentAssignee)
		}
	}
	r.UpdatedAt = e.now()
}

func (e *Engine) comment(t *Transition, actor Actor, stepID *string, content string, internal bool, replyTo *string) {
	t.Comments = append(t.Comments, &repository.ReportComment{
		ID:         e.newID(),
		ReportID:   t.Report.ID,
		WorkflowID: t.Workflow.ID,
		StepID:     stepID,
		AuthorID:   actor.ID,
		AuthorName: displayName(actor),
		Content:    content,
		Internal:   internal,
		ReplyTo:    replyTo,
		CreatedAt:  e.now(),
	})
}

// notify queues a notification intent. Empty recipients and the actor
// themselves are not notified.
func (e *Engine) notify(t *Transition, actor Actor, recipient string, stepID *string, event, message string) {
	if recipient == "" || recipient == actor.ID {
		return
	}
	t.Notifications = append(t.Notifications, &repository.ReportNotification{
		ID:          e.newID(),
		RecipientID: recipient,
		ReportID:    t.Report.ID,
		StepID:      stepID,
		Event:       event,
		Message:     message,
		CreatedAt:   e.now(),
	})
}

func displayName(a Actor) string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
