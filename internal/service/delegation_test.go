package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

func TestDelegateReview(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "weighted").Report.ID
	ctx := context.Background()
	before := h.workflow(t, id)

	_, err := h.svc.DelegateReview(ctx, reviewer(2), h.target(t, id, ""), "deputy", "holiday")
	assert.True(t, errors.IsPermission(err), "only the current assignee: %v", err)
	_, err = h.svc.DelegateReview(ctx, reviewer(1), h.target(t, id, ""), "deputy", "")
	assert.True(t, errors.IsValidation(err), "reason required: %v", err)
	_, err = h.svc.DelegateReview(ctx, reviewer(1), h.target(t, id, ""), "rev-1", "self")
	assert.True(t, errors.IsValidation(err), "same assignee: %v", err)

	res, err := h.svc.DelegateReview(ctx, reviewer(1), h.target(t, id, ""), "deputy", "holiday")
	require.NoError(t, err)

	step := res.Workflow.Steps[0]
	assert.Equal(t, "deputy", step.CurrentAssignee)
	assert.Equal(t, "rev-1", step.AssignedTo)
	assert.Equal(t, repository.StepPending, step.Status)
	assert.Equal(t, before.Steps[0].Weight, step.Weight)
	assert.Equal(t, 1, step.StepNumber)
	require.Len(t, step.Delegations, 1)
	assert.Equal(t, repository.DelegationRecord{
		FromUserID: "rev-1", ToUserID: "deputy", Reason: "holiday", ActorID: "rev-1", At: h.clock.Now(),
	}, step.Delegations[0])
	assert.Equal(t, "deputy", *res.Report.CurrentReviewerID)
	assert.Len(t, h.notifier.to("deputy"), 1)

	_, err = h.act(t, reviewer(1), id, ActionApprove, "")
	assert.True(t, errors.IsPermission(err), "previous assignee: %v", err)
	res = h.approve(t, Actor{ID: "deputy"}, id)
	assert.Equal(t, "rev-2", *res.Report.CurrentReviewerID)
	assert.Equal(t, "deputy", *res.Workflow.Steps[0].DecidedBy)
}

func TestDelegateReview_AdminOnBehalf(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "chain3").Report.ID

	res, err := h.svc.DelegateReview(context.Background(), adminActor, h.target(t, id, ""), "deputy", "rebalancing")
	require.NoError(t, err)
	assert.Equal(t, admin, res.Workflow.Steps[0].Delegations[0].ActorID)
	assert.Equal(t, "rev-1", res.Workflow.Steps[0].Delegations[0].FromUserID)
}

func TestEscalateReview(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "chain3").Report.ID
	ctx := context.Background()

	_, err := h.svc.EscalateReview(ctx, reviewer(1), h.target(t, id, ""), "", "unsure", nil)
	assert.True(t, errors.IsValidation(err), "got %v", err)
	_, err = h.svc.EscalateReview(ctx, reviewer(3), h.target(t, id, ""), "cfo", "unsure", nil)
	assert.True(t, errors.IsPermission(err), "got %v", err)

	res, err := h.svc.EscalateReview(ctx, reviewer(1), h.target(t, id, ""), "cfo", "material amount", nil)
	require.NoError(t, err)

	wf := res.Workflow
	require.Len(t, wf.Steps, 4)
	assert.NoError(t, wf.Validate())
	inserted := wf.Steps[1]
	assert.Equal(t, 2, inserted.StepNumber)
	assert.Equal(t, "cfo", inserted.CurrentAssignee)
	assert.Equal(t, EscalationRole, inserted.RequiredRole)
	assert.Equal(t, 1, inserted.Weight)
	assert.True(t, inserted.EscalationOrigin)
	assert.Equal(t, "rev-2", wf.Steps[2].AssignedTo)
	assert.Equal(t, 3, wf.Steps[2].StepNumber)

	origin := wf.Steps[0]
	assert.Equal(t, repository.StepPending, origin.Status)
	require.Len(t, origin.Escalations, 1)
	assert.Equal(t, inserted.ID, origin.Escalations[0].InsertedStepID)
	assert.Equal(t, "cfo", *res.Report.NextReviewerID)

	h.approve(t, reviewer(1), id)
	_, err = h.act(t, reviewer(2), id, ActionApprove, "")
	assert.True(t, errors.IsPermission(err), "escalation step comes first: %v", err)
	h.approve(t, Actor{ID: "cfo"}, id)
	h.approve(t, reviewer(2), id)
	res = h.approve(t, reviewer(3), id)
	assert.Equal(t, repository.WorkflowApproved, res.Workflow.Status)
}

func TestEscalateReview_CustomWeight(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "weighted").Report.ID
	zero := 0

	res, err := h.svc.EscalateReview(context.Background(), reviewer(1), h.target(t, id, ""), "cfo", "second opinion", &zero)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Workflow.Steps[1].Weight)
	assert.Equal(t, 10, WeightedApprovalOf(res.Workflow).TotalWeight)
}

func TestSetStepDueDate(t *testing.T) {
	h := newHarness(t)
	res := h.submit(t, "chain3")
	id := res.Report.ID
	step2 := res.Workflow.Steps[1].ID
	due := h.clock.Now().Add(5 * 24 * time.Hour)
	ctx := context.Background()

	_, err := h.svc.SetStepDueDate(ctx, reviewer(2), h.target(t, id, step2), &due)
	assert.True(t, errors.IsPermission(err), "got %v", err)
	_, err = h.svc.SetStepDueDate(ctx, adminActor, h.target(t, id, "nope"), &due)
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	updated, err := h.svc.SetStepDueDate(ctx, adminActor, h.target(t, id, step2), &due)
	require.NoError(t, err)
	assert.Equal(t, due, *updated.Workflow.Steps[1].DueAt)

	updated, err = h.svc.SetStepDueDate(ctx, adminActor, h.target(t, id, step2), nil)
	require.NoError(t, err)
	assert.Nil(t, updated.Workflow.Steps[1].DueAt)

	h.approve(t, reviewer(1), id)
	_, err = h.svc.SetStepDueDate(ctx, adminActor, h.target(t, id, res.Workflow.Steps[0].ID), &due)
	assert.True(t, errors.IsInvalidTransition(err), "decided step: %v", err)
}
