package repository

import (
	"fmt"
	"time"
)

// ── Domain types for the report review workflow ─────────────────────────────

// ReportPhase is the lifecycle phase of a report.
type ReportPhase string

const (
	PhaseDraft            ReportPhase = "draft"
	PhasePendingReview    ReportPhase = "pending_review"
	PhaseInReview         ReportPhase = "in_review"
	PhaseChangesRequested ReportPhase = "changes_requested"
	PhaseApproved         ReportPhase = "approved"
	PhaseRejected         ReportPhase = "rejected"
	PhaseCancelled        ReportPhase = "cancelled"
)

// WorkflowStatus is the overall status of an approval workflow.
type WorkflowStatus string

const (
	WorkflowInProgress WorkflowStatus = "in_progress"
	WorkflowApproved   WorkflowStatus = "approved"
	WorkflowRejected   WorkflowStatus = "rejected"
	WorkflowCancelled  WorkflowStatus = "cancelled"
)

// StepStatus is the status of a single review step. Delegated and escalated
// are accepted for persisted data; the engine keeps such steps pending.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepSkipped   StepStatus = "skipped"
	StepDelegated StepStatus = "delegated"
	StepEscalated StepStatus = "escalated"
)

// Decided reports whether the step has a final outcome.
func (s StepStatus) Decided() bool {
	return s == StepApproved || s == StepRejected || s == StepSkipped
}

// PolicyKind selects how step outcomes combine into a workflow decision.
type PolicyKind string

const (
	PolicyUnanimous PolicyKind = "unanimous"
	PolicyQuorum    PolicyKind = "quorum"
	PolicyWeighted  PolicyKind = "weighted"
)

// ApprovalPolicy configures the approval calculator.
type ApprovalPolicy struct {
	Kind           PolicyKind `json:"kind"`
	QuorumCount    int        `json:"quorum_count,omitempty"`
	RequiredWeight int        `json:"required_weight,omitempty"`
}

// Report is a submitted document under review.
type Report struct {
	ID                string      `json:"id"`
	ProjectID         string      `json:"project_id"`
	Name              string      `json:"name"`
	UploadedBy        string      `json:"uploaded_by"`
	Phase             ReportPhase `json:"phase"`
	WorkflowID        *string     `json:"workflow_id,omitempty"`
	CurrentReviewerID *string     `json:"current_reviewer_id,omitempty"`
	NextReviewerID    *string     `json:"next_reviewer_id,omitempty"`
	FileIDs           []string    `json:"file_ids,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ApprovalWorkflow is the ordered chain of steps governing one report.
type ApprovalWorkflow struct {
	ID        string          `json:"id"`
	ReportID  string          `json:"report_id"`
	ProjectID string          `json:"project_id"`
	Steps     []*ApprovalStep `json:"steps"`
	Status    WorkflowStatus  `json:"status"`
	// Version is bumped by the store on every successful save.
	Version int64          `json:"version"`
	Policy  ApprovalPolicy `json:"policy"`
	// Resubmittable is set when a rejection leaves the report in changes_requested.
	Resubmittable bool               `json:"resubmittable"`
	CancelReason  *string            `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
	Versions      []*WorkflowVersion `json:"versions,omitempty"`
}

// ApprovalStep is one review stage.
type ApprovalStep struct {
	ID           string `json:"id"`
	StepNumber   int    `json:"step_number"`
	RequiredRole string `json:"required_role,omitempty"`
	// AssignedTo is the assignee resolved when the step was created.
	AssignedTo      string     `json:"assigned_to"`
	CurrentAssignee string     `json:"current_assignee"`
	Weight          int        `json:"weight"`
	Status          StepStatus `json:"status"`
	DecisionComment *string    `json:"decision_comment,omitempty"`
	DecidedBy       *string    `json:"decided_by,omitempty"`
	DecidedByName   *string    `json:"decided_by_name,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	BecameCurrentAt *time.Time `json:"became_current_at,omitempty"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	// Conditions are attached by a conditional approval.
	Conditions          []string             `json:"conditions,omitempty"`
	EscalationOrigin    bool                 `json:"escalation_origin,omitempty"`
	Delegations         []DelegationRecord   `json:"delegations,omitempty"`
	Escalations         []EscalationRecord   `json:"escalations,omitempty"`
	InformationRequests []InformationRequest `json:"information_requests,omitempty"`
}

// DelegationRecord is append-only history of an assignee change.
type DelegationRecord struct {
	FromUserID string    `json:"from_user_id"`
	ToUserID   string    `json:"to_user_id"`
	Reason     string    `json:"reason"`
	ActorID    string    `json:"actor_id"`
	At         time.Time `json:"at"`
}

// EscalationRecord is append-only history of an inserted escalation step.
type EscalationRecord struct {
	FromUserID     string    `json:"from_user_id"`
	ToUserID       string    `json:"to_user_id"`
	Reason         string    `json:"reason"`
	ActorID        string    `json:"actor_id"`
	InsertedStepID string    `json:"inserted_step_id"`
	At             time.Time `json:"at"`
}

// InformationRequest records a mid-review question to another user.
type InformationRequest struct {
	RequestedFrom string     `json:"requested_from"`
	RequestedBy   string     `json:"requested_by"`
	Information   string     `json:"information"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	At            time.Time  `json:"at"`
}

// ReportComment is a threaded remark on a report or step.
type ReportComment struct {
	ID         string    `json:"id"`
	ReportID   string    `json:"report_id"`
	WorkflowID string    `json:"workflow_id"`
	StepID     *string   `json:"step_id,omitempty"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	Internal   bool      `json:"internal"`
	ReplyTo    *string   `json:"reply_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ReportNotification is an intent to notify one user.
type ReportNotification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	ReportID    string    `json:"report_id"`
	StepID      *string   `json:"step_id,omitempty"`
	Event       string    `json:"event"`
	Message     string    `json:"message"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkflowVersion is an immutable checkpoint of the step list.
type WorkflowVersion struct {
	Sequence  int             `json:"sequence"`
	Note      string          `json:"note"`
	Status    WorkflowStatus  `json:"status"`
	Steps     []*ApprovalStep `json:"steps"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Model helpers ────────────────────────────────────────────────────────────

// IsTerminal reports whether no further action may change the workflow.
// A rejection that left the report resubmittable is not terminal.
func (w *ApprovalWorkflow) IsTerminal() bool {
	switch w.Status {
	case WorkflowApproved, WorkflowCancelled:
		return true
	case WorkflowRejected:
		return !w.Resubmittable
	}
	return false
}

// CurrentStep returns the lowest-numbered pending step while the workflow is
// in progress.
func (w *ApprovalWorkflow) CurrentStep() *ApprovalStep {
	if w.Status != WorkflowInProgress {
		return nil
	}
	for _, s := range w.Steps {
		if s.Status == StepPending {
			return s
		}
	}
	return nil
}

// NextStepAfter returns the first pending step numbered after n.
func (w *ApprovalWorkflow) NextStepAfter(n int) *ApprovalStep {
	for _, s := range w.Steps {
		if s.StepNumber > n && s.Status == StepPending {
			return s
		}
	}
	return nil
}

// StepByID finds a step by id.
func (w *ApprovalWorkflow) StepByID(id string) *ApprovalStep {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Renumber rewrites step numbers as 1..n in slice order.
func (w *ApprovalWorkflow) Renumber() {
	for i, s := range w.Steps {
		s.StepNumber = i + 1
	}
}

// Validate checks the structural invariants of a workflow.
func (w *ApprovalWorkflow) Validate() error {
	if w.Version < 1 {
		return fmt.Errorf("workflow %s: version must be at least 1", w.ID)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", w.ID)
	}
	ids := make(map[string]bool, len(w.Steps))
	for i, s := range w.Steps {
		if s.StepNumber != i+1 {
			return fmt.Errorf("workflow %s: step numbers must be contiguous from 1 (position %d has %d)",
				w.ID, i+1, s.StepNumber)
		}
		if ids[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %s", w.ID, s.ID)
		}
		ids[s.ID] = true
		if s.Weight < 0 {
			return fmt.Errorf("workflow %s: step %d has negative weight", w.ID, s.StepNumber)
		}
	}
	if w.Status == WorkflowInProgress && w.CurrentStep() == nil {
		return fmt.Errorf("workflow %s: in progress without a current step", w.ID)
	}
	return nil
}

// Clone deep-copies the workflow, including steps and checkpoints.
func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Steps = CloneSteps(w.Steps)
	c.CancelReason = cloneString(w.CancelReason)
	c.CompletedAt = cloneTime(w.CompletedAt)
	if w.Versions != nil {
		c.Versions = make([]*WorkflowVersion, len(w.Versions))
		for i, v := range w.Versions {
			vc := *v
			vc.Steps = CloneSteps(v.Steps)
			c.Versions[i] = &vc
		}
	}
	return &c
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []*ApprovalStep) []*ApprovalStep {
	if steps == nil {
		return nil
	}
	out := make([]*ApprovalStep, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// Clone deep-copies a step.
func (s *ApprovalStep) Clone() *ApprovalStep {
	c := *s
	c.DecisionComment = cloneString(s.DecisionComment)
	c.DecidedBy = cloneString(s.DecidedBy)
	c.DecidedByName = cloneString(s.DecidedByName)
	c.DecidedAt = cloneTime(s.DecidedAt)
	c.BecameCurrentAt = cloneTime(s.BecameCurrentAt)
	c.DueAt = cloneTime(s.DueAt)
	c.Conditions = append([]string(nil), s.Conditions...)
	c.Delegations = append([]DelegationRecord(nil), s.Delegations...)
	c.Escalations = append([]EscalationRecord(nil), s.Escalations...)
	if s.InformationRequests != nil {
		c.InformationRequests = make([]InformationRequest, len(s.InformationRequests))
		for i, r := range s.InformationRequests {
			r.Deadline = cloneTime(r.Deadline)
			c.InformationRequests[i] = r
		}
	}
	return &c
}

// Clone copies a report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.WorkflowID = cloneString(r.WorkflowID)
	c.CurrentReviewerID = cloneString(r.CurrentReviewerID)
	c.NextReviewerID = cloneString(r.NextReviewerID)
	c.FileIDs = append([]string(nil), r.FileIDs...)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
