package handler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-report-reviews/internal/client"
	"github.com/pesio-ai/be-report-reviews/internal/common/config"
	"github.com/pesio-ai/be-report-reviews/internal/common/logger"
	"github.com/pesio-ai/be-report-reviews/internal/repository"
	"github.com/pesio-ai/be-report-reviews/internal/service"
)

const testProject = "p1"

func newTestService(t *testing.T) (*service.ReviewService, *client.Directory) {
	t.Helper()
	dir := client.NewDirectory([]config.UserConfig{
		{ID: "uploader", DisplayName: "Uma", Projects: map[string][]string{testProject: {"member"}}},
		{ID: "rev-1", DisplayName: "Reviewer One", Projects: map[string][]string{testProject: {"reviewer"}}},
		{ID: "rev-2", DisplayName: "Reviewer Two", Projects: map[string][]string{testProject: {"reviewer"}}},
		{ID: "admin", DisplayName: "Ada", Admin: true},
	})
	svc, err := service.NewReviewService(repository.NewMemoryStore(), dir, dir, nil, nil, logger.Nop(), service.Options{
		Templates: []service.ChainTemplate{{
			ID:     "two-step",
			Name:   "Two step",
			Policy: repository.ApprovalPolicy{Kind: repository.PolicyUnanimous},
			Steps:  []service.TemplateStep{{UserID: "rev-1"}, {UserID: "rev-2"}},
		}},
		ResubmitPolicy: config.ResubmitReopen,
	})
	require.NoError(t, err)
	return svc, dir
}
