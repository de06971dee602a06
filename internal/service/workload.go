package service

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// PendingItem is one pending step in a reviewer's queue.
type PendingItem struct {
	ReportID    string     `json:"report_id"`
	ReportName  string     `json:"report_name"`
	StepID      string     `json:"step_id"`
	StepNumber  int        `json:"step_number"`
	IsCurrent   bool       `json:"is_current"`
	DaysPending int        `json:"days_pending"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Overdue     bool       `json:"overdue"`
}

// ReviewerWorkload summarises one reviewer's queue and history.
type ReviewerWorkload struct {
	ReviewerID            string        `json:"reviewer_id"`
	PendingCount          int           `json:"pending_count"`
	OverdueCount          int           `json:"overdue_count"`
	CompletedCount        int           `json:"completed_count"`
	AverageResolutionTime time.Duration `json:"average_resolution_time"`
	Pending               []PendingItem `json:"pending"`
}

// GetReviewerWorkload analyses pending and completed steps. With an empty
// reviewerID every reviewer seen in the project is reported. Actors may
// always see their own workload; other queries need administrator rights.
func (s *ReviewService) GetReviewerWorkload(ctx context.Context, actor Actor, projectID, reviewerID string) ([]*ReviewerWorkload, error) {
	if reviewerID == "" || reviewerID != actor.ID {
		admin, err := s.access.IsAdmin(ctx, projectID, actor.ID)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve user rights")
		}
		if !admin {
			return nil, errors.PermissionDenied("only administrators can view other reviewers' workload")
		}
	}

	workflows, err := s.store.ListWorkflows(ctx, repository.WorkflowFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	names := make(map[string]string)
	for _, wf := range workflows {
		if wf.Status != repository.WorkflowInProgress {
			continue
		}
		report, err := s.store.GetReport(ctx, wf.ReportID)
		if err != nil {
			return nil, err
		}
		names[wf.ReportID] = report.Name
	}

	out := AnalyzeWorkload(workflows, names, reviewerID, s.engine.now())
	for _, w := range out {
		s.metrics.SetPendingSteps(w.ReviewerID, w.PendingCount)
	}
	return out, nil
}

// AnalyzeWorkload computes workloads from workflow snapshots. reportNames
// maps report id to display name and may be incomplete.
func AnalyzeWorkload(workflows []*repository.ApprovalWorkflow, reportNames map[string]string, reviewerID string, now time.Time) []*ReviewerWorkload {
	type acc struct {
		w         *ReviewerWorkload
		resolved  time.Duration
		durations int
	}
	byReviewer := make(map[string]*acc)
	get := func(id string) *acc {
		a, ok := byReviewer[id]
		if !ok {
			a = &acc{w: &ReviewerWorkload{ReviewerID: id, Pending: make([]PendingItem, 0)}}
			byReviewer[id] = a
		}
		return a
	}
	if reviewerID != "" {
		get(reviewerID)
	}
	wanted := func(id string) bool {
		return id != "" && (reviewerID == "" || id == reviewerID)
	}

	for _, wf := range workflows {
		var current *repository.ApprovalStep
		if wf.Status == repository.WorkflowInProgress {
			current = wf.CurrentStep()
		}
		for _, st := range wf.Steps {
			if st.DecidedBy != nil && st.Status.Decided() && wanted(*st.DecidedBy) {
				a := get(*st.DecidedBy)
				a.w.CompletedCount++
				if st.DecidedAt != nil && st.BecameCurrentAt != nil {
					a.resolved += st.DecidedAt.Sub(*st.BecameCurrentAt)
					a.durations++
				}
			}

			if wf.Status != repository.WorkflowInProgress || st.Status != repository.StepPending || !wanted(st.CurrentAssignee) {
				continue
			}
			a := get(st.CurrentAssignee)
			item := PendingItem{
				ReportID:   wf.ReportID,
				ReportName: reportNames[wf.ReportID],
				StepID:     st.ID,
				StepNumber: st.StepNumber,
				IsCurrent:  current != nil && current.ID == st.ID,
				DueAt:      st.DueAt,
			}
			if item.IsCurrent && st.BecameCurrentAt != nil {
				item.DaysPending = int(now.Sub(*st.BecameCurrentAt).Hours() / 24)
			}
			if st.DueAt != nil && now.After(*st.DueAt) {
				item.Overdue = true
				a.w.OverdueCount++
			}
			a.w.PendingCount++
			a.w.Pending = append(a.w.Pending, item)
		}
	}

	out := make([]*ReviewerWorkload, 0, len(byReviewer))
	for _, a := range byReviewer {
		if a.durations > 0 {
			a.w.AverageResolutionTime = a.resolved / time.Duration(a.durations)
		}
		out = append(out, a.w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReviewerID < out[j].ReviewerID })
	return out
}
