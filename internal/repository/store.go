package repository

import "context"

// ReportFilter narrows ListReports. Zero values match everything.
type ReportFilter struct {
	ProjectID  string
	UploadedBy string
	Phase      ReportPhase
}

// WorkflowFilter narrows ListWorkflows. Zero values match everything.
type WorkflowFilter struct {
	ProjectID string
	Statuses  []WorkflowStatus
}

func (f WorkflowFilter) matches(wf *ApprovalWorkflow) bool {
	if f.ProjectID != "" && wf.ProjectID != f.ProjectID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if wf.Status == s {
			return true
		}
	}
	return false
}

func (f ReportFilter) matches(r *Report) bool {
	if f.ProjectID != "" && r.ProjectID != f.ProjectID {
		return false
	}
	if f.UploadedBy != "" && r.UploadedBy != f.UploadedBy {
		return false
	}
	if f.Phase != "" && r.Phase != f.Phase {
		return false
	}
	return true
}

// Store is the persistence contract of the review engine. Implementations
// must make SaveWorkflow and RetireWorkflow atomic and reject writes whose
// expected version no longer matches with a CONFLICT error.
type Store interface {
	// CreateReport inserts a report together with its first workflow.
	CreateReport(ctx context.Context, report *Report, wf *ApprovalWorkflow) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]*Report, error)

	// LoadWorkflow returns the active workflow of a report with its steps and checkpoints.
	LoadWorkflow(ctx context.Context, reportID string) (*ApprovalWorkflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error)

	// SaveWorkflow writes the workflow (steps and any new checkpoints) and the
	// report if wf.Version still equals expectedVersion, then sets
	// wf.Version to expectedVersion+1.
	SaveWorkflow(ctx context.Context, report *Report, wf *ApprovalWorkflow, expectedVersion int64) error
	// RetireWorkflow saves old under the same version check and makes next
	// the report's active workflow.
	RetireWorkflow(ctx context.Context, report *Report, old *ApprovalWorkflow, expectedVersion int64, next *ApprovalWorkflow) error

	AppendComment(ctx context.Context, comment *ReportComment) error
	ListComments(ctx context.Context, reportID string) ([]*ReportComment, error)
}
