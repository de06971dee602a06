package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/metrics"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
)

const (
	projectID = "proj-1"
	uploader  = "uploader"
	admin     = "admin"
	outsider  = "outsider"
	bystander = "bystander"
)

var (
	uploaderActor  = Actor{ID: uploader, DisplayName: "Uma Uploader"}
	adminActor     = Actor{ID: admin, DisplayName: "Ada Admin"}
	outsiderActor  = Actor{ID: outsider}
	bystanderActor = Actor{ID: bystander}
)

func reviewer(n int) Actor {
	return Actor{ID: fmt.Sprintf("rev-%d", n), DisplayName: fmt.Sprintf("Reviewer %d", n)}
}

// ── Collaborator fakes ───────────────────────────────────────────────────────

type fakeAccess struct{}

func (fakeAccess) IsAdmin(_ context.Context, _, userID string) (bool, error) {
	return userID == admin, nil
}

func (fakeAccess) CanAccessProject(_ context.Context, _, userID string) (bool, error) {
	return userID != outsider, nil
}

type fakeDirectory map[string][]string

func (d fakeDirectory) UsersWithRole(_ context.Context, _, role string) ([]string, error) {
	return d[role], nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*repository.ReportNotification
	err  error
}

func (n *recordingNotifier) Emit(_ context.Context, rn *repository.ReportNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, rn)
	return nil
}

func (n *recordingNotifier) to(recipient string) []*repository.ReportNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*repository.ReportNotification
	for _, rn := range n.sent {
		if rn.RecipientID == recipient {
			out = append(out, rn)
		}
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

// ── Service harness ──────────────────────────────────────────────────────────

var testTemplates = []ChainTemplate{
	{
		ID:     "chain3",
		Name:   "Three reviewers",
		Policy: repository.ApprovalPolicy{Kind: repository.PolicyUnanimous},
		Steps: []TemplateStep{
			{UserID: "rev-1"},
			{UserID: "rev-2"},
			{UserID: "rev-3"},
		},
	},
	{
		ID:     "weighted",
		Name:   "Weighted board",
		Policy: repository.ApprovalPolicy{Kind: repository.PolicyWeighted, RequiredWeight: 6},
		Steps: []TemplateStep{
			{UserID: "rev-1", Weight: 2},
			{UserID: "rev-2", Weight: 3},
			{UserID: "rev-3", Weight: 5},
		},
	},
	{
		ID:     "quorum",
		Name:   "Two of three",
		Policy: repository.ApprovalPolicy{Kind: repository.PolicyQuorum, QuorumCount: 2},
		Steps: []TemplateStep{
			{UserID: "rev-1"},
			{UserID: "rev-2"},
			{UserID: "rev-3"},
		},
	},
	{
		ID:     "roles",
		Name:   "Role based",
		Policy: repository.ApprovalPolicy{Kind: repository.PolicyUnanimous},
		Steps: []TemplateStep{
			{Role: "finance", DueIn: 48 * time.Hour},
			{Role: "legal"},
		},
	},
}

type harness struct {
	svc      *ReviewService
	store    *repository.MemoryStore
	notifier *recordingNotifier
	clock    *testClock
	metrics  *metrics.Metrics
}

type harnessOption func(*Options)

func withResubmitPolicy(p string) harnessOption {
	return func(o *Options) { o.ResubmitPolicy = p }
}

func withRejectionsFinal() harnessOption {
	return func(o *Options) { o.RejectionsFinal = true }
}

func withBulkConcurrency(n int) harnessOption {
	return func(o *Options) { o.BulkConcurrency = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		store:    repository.NewMemoryStore(),
		notifier: &recordingNotifier{},
		clock:    clock,
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	o := Options{
		Templates:      testTemplates,
		ResubmitPolicy: config.ResubmitReopen,
		EngineOptions:  []EngineOption{WithClock(clock.Now), WithIDGenerator(sequentialIDs())},
	}
	for _, opt := range opts {
		opt(&o)
	}
	dir := fakeDirectory{"finance": {"fin-1", "fin-2"}}
	svc, err := NewReviewService(h.store, fakeAccess{}, dir, h.notifier, h.metrics, logger.Nop(), o)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) submit(t *testing.T, templateID string) *ReviewResult {
	t.Helper()
	res, err := h.svc.SubmitReport(context.Background(), uploaderActor, SubmitReportRequest{
		ProjectID:  projectID,
		Name:       "Q1 close",
		TemplateID: templateID,
		FileIDs:    []string{"file-1"},
	})
	require.NoError(t, err)
	return res
}

// act applies a review action at the workflow's latest version.
func (h *harness) act(t *testing.T, actor Actor, reportID string, kind ActionKind, comment string) (*ReviewResult, error) {
	t.Helper()
	return h.svc.Review(context.Background(), actor, ReviewRequest{
		Target:  h.target(t, reportID, ""),
		Action:  kind,
		Comment: comment,
	})
}

func (h *harness) approve(t *testing.T, actor Actor, reportID string) *ReviewResult {
	t.Helper()
	res, err := h.act(t, actor, reportID, ActionApprove, "looks good")
	require.NoError(t, err)
	return res
}

func (h *harness) target(t *testing.T, reportID, stepID string) Target {
	t.Helper()
	return Target{ReportID: reportID, StepID: stepID, ExpectedVersion: h.version(t, reportID)}
}

func (h *harness) version(t *testing.T, reportID string) int64 {
	t.Helper()
	wf, err := h.store.LoadWorkflow(context.Background(), reportID)
	require.NoError(t, err)
	return wf.Version
}

func (h *harness) workflow(t *testing.T, reportID string) *repository.ApprovalWorkflow {
	t.Helper()
	wf, err := h.store.LoadWorkflow(context.Background(), reportID)
	require.NoError(t, err)
	return wf
}

func (h *harness) report(t *testing.T, reportID string) *repository.Report {
	t.Helper()
	r, err := h.store.GetReport(context.Background(), reportID)
	require.NoError(t, err)
	return r
}

func stepStatuses(wf *repository.ApprovalWorkflow) []repository.StepStatus {
	out := make([]repository.StepStatus, len(wf.Steps))
	for i, s := range wf.Steps {
		out[i] = s.Status
	}
	return out
}
