package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
)

// MemoryStore is an in-process Store used by tests and local development.
// Every value is cloned on the way in and out so callers never share state.
type MemoryStore struct {
	mu        sync.Mutex
	reports   map[string]*Report
	workflows map[string]*ApprovalWorkflow
	comments  map[string][]*ReportComment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports:   make(map[string]*Report),
		workflows: make(map[string]*ApprovalWorkflow),
		comments:  make(map[string][]*ReportComment),
	}
}

// CreateReport stores a new report and its first workflow.
func (s *MemoryStore) CreateReport(_ context.Context, report *Report, wf *ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reports[report.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "report %s already exists", report.ID)
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	s.reports[report.ID] = report.Clone()
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

// GetReport returns a copy of the report.
func (s *MemoryStore) GetReport(_ context.Context, id string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[id]
	if !ok {
		return nil, errors.NotFound("report", id)
	}
	return r.Clone(), nil
}

// ListReports returns copies of matching reports, oldest first.
func (s *MemoryStore) ListReports(_ context.Context, filter ReportFilter) ([]*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Report, 0)
	for _, r := range s.reports {
		if filter.matches(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LoadWorkflow returns a copy of the report's active workflow.
func (s *MemoryStore) LoadWorkflow(_ context.Context, reportID string) (*ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[reportID]
	if !ok {
		return nil, errors.NotFound("report", reportID)
	}
	if r.WorkflowID == nil {
		return nil, errors.NotFound("approval_workflow", reportID)
	}
	wf, ok := s.workflows[*r.WorkflowID]
	if !ok {
		return nil, errors.NotFound("approval_workflow", *r.WorkflowID)
	}
	return wf.Clone(), nil
}

// ListWorkflows returns copies of matching workflows, retired ones included.
func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ApprovalWorkflow, 0)
	for _, wf := range s.workflows {
		if filter.matches(wf) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// SaveWorkflow replaces the stored workflow and report when expectedVersion
// still matches.
func (s *MemoryStore) SaveWorkflow(_ context.Context, report *Report, wf *ApprovalWorkflow, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(wf.ID, expectedVersion); err != nil {
		return err
	}
	if _, ok := s.reports[report.ID]; !ok {
		return errors.NotFound("report", report.ID)
	}

	wf.Version = expectedVersion + 1
	s.workflows[wf.ID] = wf.Clone()
	s.reports[report.ID] = report.Clone()
	return nil
}

// RetireWorkflow saves old and activates next for the report.
func (s *MemoryStore) RetireWorkflow(_ context.Context, report *Report, old *ApprovalWorkflow, expectedVersion int64, next *ApprovalWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(old.ID, expectedVersion); err != nil {
		return err
	}
	if _, ok := s.workflows[next.ID]; ok {
		return errors.Newf(errors.ErrCodeConflict, "workflow %s already exists", next.ID)
	}

	old.Version = expectedVersion + 1
	if next.Version == 0 {
		next.Version = 1
	}
	s.workflows[old.ID] = old.Clone()
	s.workflows[next.ID] = next.Clone()
	s.reports[report.ID] = report.Clone()
	return nil
}

func (s *MemoryStore) checkVersion(workflowID string, expected int64) error {
	stored, ok := s.workflows[workflowID]
	if !ok {
		return errors.NotFound("approval_workflow", workflowID)
	}
	if stored.Version != expected {
		return errors.Conflict(workflowID, expected, stored.Version)
	}
	return nil
}

// AppendComment stores a copy of the comment.
func (s *MemoryStore) AppendComment(_ context.Context, comment *ReportComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *comment
	s.comments[comment.ReportID] = append(s.comments[comment.ReportID], &c)
	return nil
}

// ListComments returns a report's comments in insertion order.
func (s *MemoryStore) ListComments(_ context.Context, reportID string) ([]*ReportComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ReportComment, 0, len(s.comments[reportID]))
	for _, c := range s.comments[reportID] {
		cc := *c
		out = append(out, &cc)
	}
	return out, nil
}
