package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

// ChainTemplate is a named approval chain reports are submitted against.
type ChainTemplate struct {
	ID     string
	Name   string
	Policy repository.ApprovalPolicy
	Steps  []TemplateStep
}

// TemplateStep is one stage of a chain. UserID wins over Role when both are set.
type TemplateStep struct {
	Role   string
	UserID string
	Weight int
	DueIn  time.Duration
}

// TemplatesFromConfig converts policy-file templates.
func TemplatesFromConfig(pf *config.PolicyFile) []ChainTemplate {
	if pf == nil {
		return nil
	}
	out := make([]ChainTemplate, 0, len(pf.Templates))
	for _, tc := range pf.Templates {
		kind := repository.PolicyKind(tc.Policy.Kind)
		if kind == "" {
			kind = repository.PolicyUnanimous
		}
		t := ChainTemplate{
			ID:   tc.ID,
			Name: tc.Name,
			Policy: repository.ApprovalPolicy{
				Kind:           kind,
				QuorumCount:    tc.Policy.QuorumCount,
				RequiredWeight: tc.Policy.RequiredWeight,
			},
		}
		for _, s := range tc.Steps {
			t.Steps = append(t.Steps, TemplateStep{
				Role:   s.Role,
				UserID: s.UserID,
				Weight: s.Weight,
				DueIn:  time.Duration(s.DueInDays) * 24 * time.Hour,
			})
		}
		out = append(out, t)
	}
	return out
}

// SubmitReportRequest creates a report and starts its review.
type SubmitReportRequest struct {
	ProjectID  string   `json:"project_id"`
	Name       string   `json:"name"`
	TemplateID string   `json:"template_id"`
	FileIDs    []string `json:"file_ids,omitempty"`
}

func (r SubmitReportRequest) validate() error {
	switch {
	case r.ProjectID == "":
		return errors.InvalidInput("project_id", "project_id is required")
	case r.Name == "":
		return errors.InvalidInput("name", "name is required")
	case r.TemplateID == "":
		return errors.InvalidInput("template_id", "template_id is required")
	}
	return nil
}

// buildWorkflow instantiates a template for a report. Role steps are
// assigned to the first user holding the role; a step whose role has no
// holder stays unassigned.
func (s *ReviewService) buildWorkflow(ctx context.Context, report *repository.Report, tmpl ChainTemplate) (*repository.ApprovalWorkflow, error) {
	now := s.engine.now()
	wf := &repository.ApprovalWorkflow{
		ID:        s.engine.newID(),
		ReportID:  report.ID,
		ProjectID: report.ProjectID,
		Status:    repository.WorkflowInProgress,
		Version:   1,
		Policy:    tmpl.Policy,
		CreatedAt: now,
	}

	for i, ts := range tmpl.Steps {
		assignee := ts.UserID
		if assignee == "" && ts.Role != "" {
			users, err := s.directory.UsersWithRole(ctx, report.ProjectID, ts.Role)
			if err != nil {
				s.log.Warn().Err(err).
					Str("role", ts.Role).
					Int("step", i+1).
					Msg("Failed to resolve approver for role, leaving step unassigned")
			} else if len(users) > 0 {
				assignee = users[0]
			}
		}
		weight := ts.Weight
		if weight == 0 {
			weight = 1
		}
		step := &repository.ApprovalStep{
			ID:              s.engine.newID(),
			StepNumber:      i + 1,
			RequiredRole:    ts.Role,
			AssignedTo:      assignee,
			CurrentAssignee: assignee,
			Weight:          weight,
			Status:          repository.StepPending,
		}
		if ts.DueIn > 0 {
			due := now.Add(ts.DueIn)
			step.DueAt = &due
		}
		wf.Steps = append(wf.Steps, step)
	}
	if len(wf.Steps) == 0 {
		return nil, errors.InvalidInput("template_id", "template has no steps")
	}
	if err := ValidatePolicy(wf.Policy, wf.Steps); err != nil {
		return nil, err
	}
	wf.Steps[0].BecameCurrentAt = &now
	return wf, nil
}

func invalidPolicy(msg string) error {
	return errors.InvalidInput("policy", msg)
}
