package handler

import (
	"context"
	"time"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

// request is the union of every operation's parameters. HTTP bodies and
// gRPC Struct payloads both decode into it.
type request struct {
	ReportID        string `json:"report_id"`
	StepID          string `json:"step_id"`
	ExpectedVersion int64  `json:"expected_version"`

	ProjectID  string   `json:"project_id"`
	Name       string   `json:"name"`
	TemplateID string   `json:"template_id"`
	FileIDs    []string `json:"file_ids"`
	Phase      string   `json:"phase"`

	Action              string   `json:"action"`
	Comment             string   `json:"comment"`
	Reasoning           string   `json:"reasoning"`
	Reason              string   `json:"reason"`
	Note                string   `json:"note"`
	Conditions          []string `json:"conditions"`
	SkipToFinalApproval bool     `json:"skip_to_final_approval"`

	ToUserID   string     `json:"to_user_id"`
	EscalateTo string     `json:"escalate_to"`
	Weight     *int       `json:"weight"`
	DueAt      *time.Time `json:"due_at"`

	RequestedFrom     string     `json:"requested_from"`
	InformationNeeded string     `json:"information_needed"`
	Deadline          *time.Time `json:"deadline"`

	Content  string  `json:"content"`
	Internal bool    `json:"internal"`
	ReplyTo  *string `json:"reply_to"`

	ReportIDs     []string `json:"report_ids"`
	NewReviewerID string   `json:"new_reviewer_id"`
	ReviewerID    string   `json:"reviewer_id"`
}

func (r *request) target() service.Target {
	return service.Target{ReportID: r.ReportID, StepID: r.StepID, ExpectedVersion: r.ExpectedVersion}
}

type operation func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error)

// Operation names, shared by the HTTP routes and gRPC methods.
const (
	opSubmitReport          = "SubmitReport"
	opGetPendingReviews     = "GetPendingReviews"
	opGetMyReports          = "GetMyReports"
	opGetReport             = "GetReport"
	opGetWeightedApproval   = "GetWeightedApproval"
	opReview                = "Review"
	opResubmitWorkflow      = "ResubmitWorkflow"
	opCancelWorkflow        = "CancelWorkflow"
	opDelegateReview        = "DelegateReview"
	opEscalateReview        = "EscalateReview"
	opSetStepDueDate        = "SetStepDueDate"
	opRequestInformation    = "RequestInformation"
	opConditionalApprove    = "ConditionalApprove"
	opAddComment            = "AddComment"
	opCreateWorkflowVersion = "CreateWorkflowVersion"
	opReturnToStep          = "ReturnToStep"
	opBulkApprove           = "BulkApprove"
	opBulkReject            = "BulkReject"
	opBulkReassign          = "BulkReassign"
	opGetReviewerWorkload   = "GetReviewerWorkload"
)

var operations = map[string]operation{
	opSubmitReport: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.SubmitReport(ctx, actor, service.SubmitReportRequest{
			ProjectID:  r.ProjectID,
			Name:       r.Name,
			TemplateID: r.TemplateID,
			FileIDs:    r.FileIDs,
		})
	},
	opGetPendingReviews: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		items, err := svc.GetPendingReviews(ctx, actor, r.ProjectID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"reviews": items}, nil
	},
	opGetMyReports: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		reports, err := svc.GetMyReports(ctx, actor, r.ProjectID, repository.ReportPhase(r.Phase))
		if err != nil {
			return nil, err
		}
		return map[string]any{"reports": reports}, nil
	},
	opGetReport: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.GetReportByID(ctx, actor, r.ReportID)
	},
	opGetWeightedApproval: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.GetWeightedApproval(ctx, actor, r.ReportID)
	},
	opReview: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.Review(ctx, actor, service.ReviewRequest{
			Target:              r.target(),
			Action:              service.ActionKind(r.Action),
			Comment:             r.Comment,
			Reasoning:           r.Reasoning,
			Conditions:          r.Conditions,
			SkipToFinalApproval: r.SkipToFinalApproval,
		})
	},
	opResubmitWorkflow: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.ResubmitWorkflow(ctx, actor, service.ResubmitRequest{Target: r.target(), FileIDs: r.FileIDs, Note: r.Note})
	},
	opCancelWorkflow: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.CancelWorkflow(ctx, actor, r.target(), r.Reason)
	},
	opDelegateReview: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.DelegateReview(ctx, actor, r.target(), r.ToUserID, r.Reason)
	},
	opEscalateReview: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.EscalateReview(ctx, actor, r.target(), r.EscalateTo, r.Reason, r.Weight)
	},
	opSetStepDueDate: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.SetStepDueDate(ctx, actor, r.target(), r.DueAt)
	},
	opRequestInformation: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.RequestInformation(ctx, actor, r.target(), r.RequestedFrom, r.InformationNeeded, r.Deadline)
	},
	opConditionalApprove: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.ConditionalApprove(ctx, actor, r.target(), r.Conditions, r.Comment)
	},
	opAddComment: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.AddComment(ctx, actor, r.target(), r.Content, r.Internal, r.ReplyTo)
	},
	opCreateWorkflowVersion: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.CreateWorkflowVersion(ctx, actor, r.target(), r.Note)
	},
	opReturnToStep: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.ReturnToStep(ctx, actor, r.target(), r.Reason)
	},
	opBulkApprove: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.BulkApprove(ctx, actor, r.ReportIDs, r.Comment)
	},
	opBulkReject: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.BulkReject(ctx, actor, r.ReportIDs, firstNonEmpty(r.Reason, r.Comment))
	},
	opBulkReassign: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		return svc.BulkReassign(ctx, actor, r.ReportIDs, r.NewReviewerID, r.Reason)
	},
	opGetReviewerWorkload: func(ctx context.Context, svc *service.ReviewService, actor service.Actor, r *request) (any, error) {
		workloads, err := svc.GetReviewerWorkload(ctx, actor, r.ProjectID, r.ReviewerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workloads": workloads}, nil
	},
}

// NameResolver maps user ids to display names.
type NameResolver interface {
	DisplayName(userID string) string
}

func actorFor(names NameResolver, userID string) service.Actor {
	a := service.Actor{ID: userID, DisplayName: userID}
	if names != nil {
		a.DisplayName = names.DisplayName(userID)
	}
	return a
}

func invalidBody(err error) error {
	return errors.Wrap(err, errors.ErrCodeValidation, "invalid request body")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
