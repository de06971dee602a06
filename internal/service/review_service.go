package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/metrics"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// AccessChecker answers authorization questions for a project. An empty
// projectID asks about global rights.
type AccessChecker interface {
	IsAdmin(ctx context.Context, projectID, userID string) (bool, error)
	CanAccessProject(ctx context.Context, projectID, userID string) (bool, error)
}

// RoleDirectory resolves role holders within a project.
type RoleDirectory interface {
	UsersWithRole(ctx context.Context, projectID, role string) ([]string, error)
}

// Notifier delivers notification intents. Delivery failures never fail the
// action that produced them.
type Notifier interface {
	Emit(ctx context.Context, n *repository.ReportNotification) error
}

// Options configures a ReviewService.
type Options struct {
	Templates []ChainTemplate
	// ResubmitPolicy is config.ResubmitReopen or config.ResubmitNewWorkflow.
	ResubmitPolicy  string
	RejectionsFinal bool
	// BulkConcurrency bounds parallel bulk processing. 1 is sequential.
	BulkConcurrency int
	EngineOptions   []EngineOption
}

// Target addresses one workflow (and optionally a step) at a known version.
type Target struct {
	ReportID        string `json:"report_id"`
	StepID          string `json:"step_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version"`
}

// ReviewResult is the state after a successful mutation.
type ReviewResult struct {
	Report   *repository.Report           `json:"report"`
	Workflow *repository.ApprovalWorkflow `json:"workflow"`
}

// ReportDetail is the read model of one report.
type ReportDetail struct {
	Report           *repository.Report           `json:"report"`
	Workflow         *repository.ApprovalWorkflow `json:"workflow"`
	Comments         []*repository.ReportComment  `json:"comments"`
	WeightedApproval WeightedApproval             `json:"weighted_approval"`
}

// PendingReview is a report waiting on the caller.
type PendingReview struct {
	Report *repository.Report       `json:"report"`
	Step   *repository.ApprovalStep `json:"step"`
	// Version is the workflow version to send with the next action.
	Version int64 `json:"version"`
}

// ReviewService is the entry point for every report review operation.
type ReviewService struct {
	store     repository.Store
	access    AccessChecker
	directory RoleDirectory
	notifier  Notifier
	engine    *Engine
	templates map[string]ChainTemplate
	opts      Options
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	log       *logger.Logger
}

// NewReviewService creates a ReviewService. notifier and m may be nil.
func NewReviewService(
	store repository.Store,
	access AccessChecker,
	directory RoleDirectory,
	notifier Notifier,
	m *metrics.Metrics,
	log *logger.Logger,
	opts Options,
) (*ReviewService, error) {
	switch opts.ResubmitPolicy {
	case config.ResubmitReopen, config.ResubmitNewWorkflow:
	default:
		return nil, fmt.Errorf("resubmit policy must be %q or %q, got %q",
			config.ResubmitReopen, config.ResubmitNewWorkflow, opts.ResubmitPolicy)
	}
	if opts.BulkConcurrency < 1 {
		opts.BulkConcurrency = 1
	}
	templates := make(map[string]ChainTemplate, len(opts.Templates))
	for _, t := range opts.Templates {
		templates[t.ID] = t
	}
	return &ReviewService{
		store:     store,
		access:    access,
		directory: directory,
		notifier:  notifier,
		engine:    NewEngine(opts.RejectionsFinal, opts.EngineOptions...),
		templates: templates,
		opts:      opts,
		metrics:   m,
		tracer:    otel.Tracer("github.com/pesio-ai/be-report-reviews/internal/service"),
		log:       log.Component("review_service"),
	}, nil
}

// ── Submission ───────────────────────────────────────────────────────────────

// SubmitReport creates a report and its workflow from a chain template.
func (s *ReviewService) SubmitReport(ctx context.Context, actor Actor, req SubmitReportRequest) (res *ReviewResult, err error) {
	ctx, done := s.begin(ctx, "submit_report", "")
	defer func() { done(err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if err := s.requireProjectAccess(ctx, req.ProjectID, actor.ID); err != nil {
		return nil, err
	}
	tmpl, ok := s.templates[req.TemplateID]
	if !ok {
		return nil, errors.NotFound("approval_template", req.TemplateID)
	}

	now := s.engine.now()
	report := &repository.Report{
		ID:         s.engine.newID(),
		ProjectID:  req.ProjectID,
		Name:       req.Name,
		UploadedBy: actor.ID,
		Phase:      repository.PhasePendingReview,
		FileIDs:    req.FileIDs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	wf, err := s.buildWorkflow(ctx, report, tmpl)
	if err != nil {
		return nil, err
	}

	t := &Transition{Report: report, Workflow: wf}
	s.engine.syncReport(t)
	first := wf.Steps[0]
	s.engine.notify(t, actor, first.CurrentAssignee, &first.ID, EventReviewRequested,
		fmt.Sprintf("%q is waiting for your review (step 1)", report.Name))

	if err := s.store.CreateReport(ctx, t.Report, t.Workflow); err != nil {
		return nil, err
	}
	s.emit(ctx, t.Notifications)

	s.log.Info().
		Str("report_id", report.ID).
		Str("workflow_id", wf.ID).
		Str("template_id", tmpl.ID).
		Int("total_steps", len(wf.Steps)).
		Msg("Report submitted for review")

	return &ReviewResult{Report: t.Report, Workflow: t.Workflow}, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetPendingReviews lists reports whose current step is assigned to the actor.
// An empty projectID searches every project the actor can access.
func (s *ReviewService) GetPendingReviews(ctx context.Context, actor Actor, projectID string) ([]*PendingReview, error) {
	if projectID != "" {
		if err := s.requireProjectAccess(ctx, projectID, actor.ID); err != nil {
			return nil, err
		}
	}
	workflows, err := s.store.ListWorkflows(ctx, repository.WorkflowFilter{
		ProjectID: projectID,
		Statuses:  []repository.WorkflowStatus{repository.WorkflowInProgress},
	})
	if err != nil {
		return nil, err
	}

	out := make([]*PendingReview, 0)
	for _, wf := range workflows {
		current := wf.CurrentStep()
		if current == nil || current.CurrentAssignee != actor.ID {
			continue
		}
		report, err := s.store.GetReport(ctx, wf.ReportID)
		if err != nil {
			return nil, err
		}
		out = append(out, &PendingReview{Report: report, Step: current, Version: wf.Version})
	}
	return out, nil
}

// GetMyReports lists reports the actor uploaded, optionally by phase.
func (s *ReviewService) GetMyReports(ctx context.Context, actor Actor, projectID string, phase repository.ReportPhase) ([]*repository.Report, error) {
	return s.store.ListReports(ctx, repository.ReportFilter{
		ProjectID:  projectID,
		UploadedBy: actor.ID,
		Phase:      phase,
	})
}

// GetReportByID returns a report with its workflow and comments. Internal
// comments are hidden from actors who are neither reviewers nor administrators.
func (s *ReviewService) GetReportByID(ctx context.Context, actor Actor, reportID string) (*ReportDetail, error) {
	report, wf, admin, err := s.load(ctx, actor, reportID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, reportID)
	if err != nil {
		return nil, err
	}

	if !admin && !isReviewer(wf, actor.ID) {
		visible := comments[:0]
		for _, c := range comments {
			if !c.Internal || c.AuthorID == actor.ID {
				visible = append(visible, c)
			}
		}
		comments = visible
	}
	return &ReportDetail{
		Report:           report,
		Workflow:         wf,
		Comments:         comments,
		WeightedApproval: WeightedApprovalOf(wf),
	}, nil
}

// GetWeightedApproval summarises the weights of a report's workflow.
func (s *ReviewService) GetWeightedApproval(ctx context.Context, actor Actor, reportID string) (*WeightedApproval, error) {
	_, wf, _, err := s.load(ctx, actor, reportID)
	if err != nil {
		return nil, err
	}
	wa := WeightedApprovalOf(wf)
	return &wa, nil
}

func isReviewer(wf *repository.ApprovalWorkflow, userID string) bool {
	for _, st := range wf.Steps {
		if st.AssignedTo == userID || st.CurrentAssignee == userID {
			return true
		}
		for _, d := range st.Delegations {
			if d.FromUserID == userID {
				return true
			}
		}
	}
	return false
}

// ── Actions ──────────────────────────────────────────────────────────────────

// ReviewRequest is a reviewer decision on the current step.
type ReviewRequest struct {
	Target
	Action     ActionKind `json:"action"`
	Comment    string     `json:"comment,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
	Conditions []string   `json:"conditions,omitempty"`
	// SkipToFinalApproval is honoured for administrators approving.
	SkipToFinalApproval bool `json:"skip_to_final_approval,omitempty"`
}

// Review applies approve, reject, request_changes, skip, conditional_approve
// or comment to a report.
func (s *ReviewService) Review(ctx context.Context, actor Actor, req ReviewRequest) (*ReviewResult, error) {
	var action Action
	switch req.Action {
	case ActionApprove:
		action = Approve{Comment: req.Comment, SkipToFinalApproval: req.SkipToFinalApproval}
	case ActionReject:
		action = Reject{Comment: firstNonEmpty(req.Comment, req.Reasoning)}
	case ActionRequestChanges:
		action = RequestChanges{Comment: firstNonEmpty(req.Comment, req.Reasoning)}
	case ActionSkip:
		action = Skip{Reason: firstNonEmpty(req.Reasoning, req.Comment)}
	case ActionConditionalApprove:
		action = ConditionalApprove{Conditions: req.Conditions, Comment: req.Comment}
	case ActionComment:
		action = AddComment{Content: req.Comment}
	default:
		return nil, errors.InvalidInput("action", fmt.Sprintf("unsupported review action %q", req.Action))
	}
	t, err := s.mutate(ctx, actor, req.Target, action)
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// ResubmitRequest restarts review after changes were requested.
type ResubmitRequest struct {
	Target
	FileIDs []string `json:"file_ids,omitempty"`
	Note    string   `json:"note,omitempty"`
}

// ResubmitWorkflow reopens or replaces a changes-requested workflow according
// to the configured resubmission policy.
func (s *ReviewService) ResubmitWorkflow(ctx context.Context, actor Actor, req ResubmitRequest) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, req.Target, Resubmit{
		NewWorkflow: s.opts.ResubmitPolicy == config.ResubmitNewWorkflow,
		FileIDs:     req.FileIDs,
		Note:        req.Note,
	})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// CancelWorkflow stops the review of a report. Only the uploader or an
// administrator may cancel, and never a finished workflow.
func (s *ReviewService) CancelWorkflow(ctx context.Context, actor Actor, target Target, reason string) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, Cancel{Reason: reason})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// DelegateReview hands the current step of a report to another user.
func (s *ReviewService) DelegateReview(ctx context.Context, actor Actor, target Target, toUserID, reason string) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, Delegate{ToUserID: toUserID, Reason: reason})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// EscalateReview inserts an escalation step after the current one.
func (s *ReviewService) EscalateReview(ctx context.Context, actor Actor, target Target, escalateTo, reason string, weight *int) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, Escalate{ToUserID: escalateTo, Reason: reason, Weight: weight})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// SetStepDueDate sets or, with a nil date, clears the due date of an
// undecided step. Administrators only.
func (s *ReviewService) SetStepDueDate(ctx context.Context, actor Actor, target Target, dueAt *time.Time) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, SetDueDate{DueAt: dueAt})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// RequestInformation records a question from the current reviewer and
// notifies the user asked.
func (s *ReviewService) RequestInformation(ctx context.Context, actor Actor, target Target, requestedFrom, information string, deadline *time.Time) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, RequestInformation{
		RequestedFrom: requestedFrom,
		Information:   information,
		Deadline:      deadline,
	})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// ConditionalApprove approves the current step with at least one condition
// attached.
func (s *ReviewService) ConditionalApprove(ctx context.Context, actor Actor, target Target, conditions []string, comment string) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, ConditionalApprove{Conditions: conditions, Comment: comment})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// AddComment appends a comment. It does not change the workflow version.
func (s *ReviewService) AddComment(ctx context.Context, actor Actor, target Target, content string, internal bool, replyTo *string) (*repository.ReportComment, error) {
	t, err := s.mutate(ctx, actor, target, AddComment{Content: content, Internal: internal, ReplyTo: replyTo})
	if err != nil {
		return nil, err
	}
	return t.Comments[0], nil
}

// CreateWorkflowVersion checkpoints the current step list.
func (s *ReviewService) CreateWorkflowVersion(ctx context.Context, actor Actor, target Target, note string) (*repository.WorkflowVersion, error) {
	t, err := s.mutate(ctx, actor, target, Checkpoint{Note: note})
	if err != nil {
		return nil, err
	}
	return t.Checkpoint, nil
}

// ReturnToStep rewinds a report's workflow to target.StepID.
func (s *ReviewService) ReturnToStep(ctx context.Context, actor Actor, target Target, reason string) (*ReviewResult, error) {
	t, err := s.mutate(ctx, actor, target, ReturnToStep{Reason: reason})
	if err != nil {
		return nil, err
	}
	return result(t), nil
}

// ── Internals ────────────────────────────────────────────────────────────────

// mutate loads the snapshot, applies the action and persists the result under
// the optimistic version check. Nothing is persisted when any step fails.
func (s *ReviewService) mutate(ctx context.Context, actor Actor, target Target, action Action) (t *Transition, err error) {
	ctx, done := s.begin(ctx, string(action.Kind()), target.ReportID)
	defer func() { done(err) }()

	if target.ReportID == "" {
		return nil, errors.InvalidInput("report_id", "report_id is required")
	}
	report, wf, admin, err := s.load(ctx, actor, target.ReportID)
	if err != nil {
		return nil, err
	}

	t, err = s.engine.Apply(report, wf, Command{
		ExpectedVersion: target.ExpectedVersion,
		StepID:          target.StepID,
		Actor:           actor,
		Admin:           admin,
		Action:          action,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case t.Retired != nil:
		err = s.store.RetireWorkflow(ctx, t.Report, t.Retired, target.ExpectedVersion, t.Workflow)
	case t.Mutated:
		err = s.store.SaveWorkflow(ctx, t.Report, t.Workflow, target.ExpectedVersion)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range t.Comments {
		if cerr := s.store.AppendComment(ctx, c); cerr != nil {
			if !t.Mutated {
				return nil, cerr
			}
			s.log.Warn().Err(cerr).
				Str("report_id", report.ID).
				Str("comment_id", c.ID).
				Msg("Failed to store comment for review action")
		}
	}
	s.emit(ctx, t.Notifications)

	s.log.Info().
		Str("report_id", report.ID).
		Str("workflow_id", t.Workflow.ID).
		Str("action", string(action.Kind())).
		Str("actor_id", actor.ID).
		Str("status", string(t.Workflow.Status)).
		Int64("version", t.Workflow.Version).
		Msg("Review action applied")

	return t, nil
}

// load fetches a report and its workflow after checking project access.
func (s *ReviewService) load(ctx context.Context, actor Actor, reportID string) (*repository.Report, *repository.ApprovalWorkflow, bool, error) {
	if actor.ID == "" {
		return nil, nil, false, errors.PermissionDenied("an authenticated user is required")
	}
	report, err := s.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, nil, false, err
	}
	admin, err := s.access.IsAdmin(ctx, report.ProjectID, actor.ID)
	if err != nil {
		return nil, nil, false, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve user rights")
	}
	if !admin {
		if err := s.requireProjectAccess(ctx, report.ProjectID, actor.ID); err != nil {
			return nil, nil, false, err
		}
	}
	wf, err := s.store.LoadWorkflow(ctx, reportID)
	if err != nil {
		return nil, nil, false, err
	}
	return report, wf, admin, nil
}

func (s *ReviewService) requireProjectAccess(ctx context.Context, projectID, userID string) error {
	if userID == "" {
		return errors.PermissionDenied("an authenticated user is required")
	}
	ok, err := s.access.CanAccessProject(ctx, projectID, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve project access")
	}
	if !ok {
		return errors.PermissionDenied(fmt.Sprintf("user %s has no access to project %s", userID, projectID))
	}
	return nil
}

// emit delivers notifications. Failures are logged and counted only.
func (s *ReviewService) emit(ctx context.Context, notifications []*repository.ReportNotification) {
	if s.notifier == nil {
		return
	}
	for _, n := range notifications {
		if err := s.notifier.Emit(ctx, n); err != nil {
			s.metrics.NotificationFailed()
			s.log.Warn().Err(err).
				Str("report_id", n.ReportID).
				Str("recipient_id", n.RecipientID).
				Str("event", n.Event).
				Msg("Failed to deliver review notification")
		}
	}
}

// begin opens a span and returns a completion func recording metrics.
func (s *ReviewService) begin(ctx context.Context, op, reportID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "review."+op, trace.WithAttributes(attribute.String("report.id", reportID)))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = string(errors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if errors.IsConflict(err) {
				s.metrics.Conflict()
			}
		}
		s.metrics.ObserveAction(op, outcome, time.Since(start))
		span.End()
	}
}

func result(t *Transition) *ReviewResult {
	return &ReviewResult{Report: t.Report, Workflow: t.Workflow}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
