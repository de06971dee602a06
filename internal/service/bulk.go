package service

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
)

// BulkResult reports per-item outcomes of a bulk operation. Errors are
// formatted "reportID: reason" in input order.
type BulkResult struct {
	SuccessCount int      `json:"success_count"`
	FailedCount  int      `json:"failed_count"`
	Errors       []string `json:"errors"`
}

const defaultReassignReason = "bulk reassignment"

// BulkApprove approves the current step of each report at its latest version.
func (s *ReviewService) BulkApprove(ctx context.Context, actor Actor, reportIDs []string, comment string) (*BulkResult, error) {
	return s.bulk(ctx, "bulk_approve", reportIDs, func(ctx context.Context, id string, version int64) error {
		_, err := s.Review(ctx, actor, ReviewRequest{
			Target:  Target{ReportID: id, ExpectedVersion: version},
			Action:  ActionApprove,
			Comment: comment,
		})
		return err
	})
}

// BulkReject rejects the current step of each report. A reason is required.
func (s *ReviewService) BulkReject(ctx context.Context, actor Actor, reportIDs []string, reason string) (*BulkResult, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "a reason is required for bulk rejection")
	}
	return s.bulk(ctx, "bulk_reject", reportIDs, func(ctx context.Context, id string, version int64) error {
		_, err := s.Review(ctx, actor, ReviewRequest{
			Target:  Target{ReportID: id, ExpectedVersion: version},
			Action:  ActionReject,
			Comment: reason,
		})
		return err
	})
}

// BulkReassign delegates the current step of each report to newReviewerID.
func (s *ReviewService) BulkReassign(ctx context.Context, actor Actor, reportIDs []string, newReviewerID, reason string) (*BulkResult, error) {
	if newReviewerID == "" {
		return nil, errors.InvalidInput("new_reviewer_id", "a new reviewer is required")
	}
	if reason == "" {
		reason = defaultReassignReason
	}
	return s.bulk(ctx, "bulk_reassign", reportIDs, func(ctx context.Context, id string, version int64) error {
		_, err := s.DelegateReview(ctx, actor, Target{ReportID: id, ExpectedVersion: version}, newReviewerID, reason)
		return err
	})
}

// bulk runs fn for each id, isolating failures. Items run in parallel only
// when configured and the ids are distinct.
func (s *ReviewService) bulk(ctx context.Context, op string, ids []string, fn func(ctx context.Context, id string, version int64) error) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, errors.InvalidInput("report_ids", "at least one report id is required")
	}

	failures := make([]error, len(ids))
	run := func(i int) {
		id := ids[i]
		wf, err := s.store.LoadWorkflow(ctx, id)
		if err == nil {
			err = fn(ctx, id, wf.Version)
		}
		failures[i] = err
		s.metrics.BulkItem(op, err == nil)
	}

	if s.opts.BulkConcurrency > 1 && distinct(ids) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.opts.BulkConcurrency)
		for i := range ids {
			g.Go(func() error {
				if gctx.Err() != nil {
					failures[i] = gctx.Err()
					return nil
				}
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range ids {
			run(i)
		}
	}

	res := &BulkResult{Errors: make([]string, 0)}
	for i, err := range failures {
		if err != nil {
			res.FailedCount++
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", ids[i], err.Error()))
			continue
		}
		res.SuccessCount++
	}

	s.log.Info().
		Str("operation", op).
		Int("success_count", res.SuccessCount).
		Int("failed_count", res.FailedCount).
		Msg("Bulk review operation completed")
	return res, nil
}

func distinct(ids []string) bool {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}
