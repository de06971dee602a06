package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-report-reviews/internal/common/database"
	"github.com/pesio-ai/be-report-reviews/internal/common/errors"
)

// PostgresStore implements Store on PostgreSQL. Workflow, steps, new
// checkpoints and the owning report are always written in one transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ── Reports ──────────────────────────────────────────────────────────────────

const reportColumns = `id, project_id, name, uploaded_by, phase, workflow_id,
       current_reviewer_id, next_reviewer_id, file_ids, created_at, updated_at`

// CreateReport inserts the report and its initial workflow.
func (s *PostgresStore) CreateReport(ctx context.Context, report *Report, wf *ApprovalWorkflow) error {
	if wf.Version == 0 {
		wf.Version = 1
	}
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO reports
			    (id, project_id, name, uploaded_by, phase, workflow_id,
			     current_reviewer_id, next_reviewer_id, file_ids, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10, $11)
		`,
			report.ID, report.ProjectID, report.Name, report.UploadedBy, string(report.Phase), report.WorkflowID,
			report.CurrentReviewerID, report.NextReviewerID, report.FileIDs, report.CreatedAt, report.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create report")
		}
		return s.insertWorkflow(ctx, tx, wf)
	})
}

// GetReport retrieves a report by id.
func (s *PostgresStore) GetReport(ctx context.Context, id string) (*Report, error) {
	r, err := scanReport(s.db.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("report", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get report")
	}
	return r, nil
}

// ListReports returns reports matching the filter, oldest first.
func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]*Report, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reports
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR uploaded_by = $2)
		  AND ($3 = '' OR phase = $3)
		ORDER BY created_at ASC, id ASC
	`, filter.ProjectID, filter.UploadedBy, string(filter.Phase))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reports")
	}
	defer rows.Close()

	reports := make([]*Report, 0)
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan report")
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ── Workflows ────────────────────────────────────────────────────────────────

const workflowColumns = `id, report_id, project_id, status, version, policy,
       resubmittable, cancel_reason, created_at, completed_at`

// LoadWorkflow returns the report's active workflow with steps and checkpoints.
func (s *PostgresStore) LoadWorkflow(ctx context.Context, reportID string) (*ApprovalWorkflow, error) {
	wf, err := scanWorkflow(s.db.QueryRow(ctx, `
		SELECT w.id, w.report_id, w.project_id, w.status, w.version, w.policy,
		       w.resubmittable, w.cancel_reason, w.created_at, w.completed_at
		FROM reports r
		JOIN report_workflows w ON w.id = r.workflow_id
		WHERE r.id = $1
	`, reportID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_workflow", reportID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow")
	}
	if err := s.loadChildren(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}

// ListWorkflows returns workflows matching the filter with their steps.
// Checkpoints are not loaded.
func (s *PostgresStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*ApprovalWorkflow, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+workflowColumns+`
		FROM report_workflows
		WHERE ($1 = '' OR project_id = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at ASC, id ASC
	`, filter.ProjectID, statuses)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	workflows := make([]*ApprovalWorkflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		workflows = append(workflows, wf)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}

	for _, wf := range workflows {
		steps, err := s.loadSteps(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		wf.Steps = steps
	}
	return workflows, nil
}

// SaveWorkflow persists a workflow mutation under the optimistic version check.
func (s *PostgresStore) SaveWorkflow(ctx context.Context, report *Report, wf *ApprovalWorkflow, expectedVersion int64) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.updateWorkflow(ctx, tx, wf, expectedVersion); err != nil {
			return err
		}
		return s.updateReport(ctx, tx, report)
	})
	if err != nil {
		return err
	}
	wf.Version = expectedVersion + 1
	return nil
}

// RetireWorkflow saves the old workflow and activates next for the report.
func (s *PostgresStore) RetireWorkflow(ctx context.Context, report *Report, old *ApprovalWorkflow, expectedVersion int64, next *ApprovalWorkflow) error {
	if next.Version == 0 {
		next.Version = 1
	}
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.updateWorkflow(ctx, tx, old, expectedVersion); err != nil {
			return err
		}
		if err := s.insertWorkflow(ctx, tx, next); err != nil {
			return err
		}
		return s.updateReport(ctx, tx, report)
	})
	if err != nil {
		return err
	}
	old.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) insertWorkflow(ctx context.Context, tx pgx.Tx, wf *ApprovalWorkflow) error {
	policyJSON, err := json.Marshal(wf.Policy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval policy")
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO report_workflows
		    (id, report_id, project_id, status, version, policy,
		     resubmittable, cancel_reason, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10)
	`,
		wf.ID, wf.ReportID, wf.ProjectID, string(wf.Status), wf.Version, policyJSON,
		wf.Resubmittable, wf.CancelReason, wf.CreatedAt, wf.CompletedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return s.writeChildren(ctx, tx, wf)
}

func (s *PostgresStore) updateWorkflow(ctx context.Context, tx pgx.Tx, wf *ApprovalWorkflow, expectedVersion int64) error {
	policyJSON, err := json.Marshal(wf.Policy)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval policy")
	}
	tag, err := tx.Exec(ctx, `
		UPDATE report_workflows
		SET status        = $3,
		    version       = version + 1,
		    policy        = $4,
		    resubmittable = $5,
		    cancel_reason = $6,
		    completed_at  = $7
		WHERE id = $1 AND version = $2
	`, wf.ID, expectedVersion, string(wf.Status), policyJSON, wf.Resubmittable, wf.CancelReason, wf.CompletedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
	}
	if tag.RowsAffected() == 0 {
		var actual int64
		err := tx.QueryRow(ctx, `SELECT version FROM report_workflows WHERE id = $1`, wf.ID).Scan(&actual)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.NotFound("approval_workflow", wf.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read workflow version")
		}
		return errors.Conflict(wf.ID, expectedVersion, actual)
	}
	return s.writeChildren(ctx, tx, wf)
}

func (s *PostgresStore) updateReport(ctx context.Context, tx pgx.Tx, r *Report) error {
	tag, err := tx.Exec(ctx, `
		UPDATE reports
		SET phase               = $2,
		    workflow_id         = $3,
		    current_reviewer_id = $4,
		    next_reviewer_id    = $5,
		    file_ids            = $6,
		    updated_at          = $7
		WHERE id = $1
	`, r.ID, string(r.Phase), r.WorkflowID, r.CurrentReviewerID, r.NextReviewerID, r.FileIDs, r.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update report")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("report", r.ID)
	}
	return nil
}

// writeChildren upserts every step and inserts checkpoints not yet stored.
// Checkpoints are immutable, so existing sequences are left untouched.
func (s *PostgresStore) writeChildren(ctx context.Context, tx pgx.Tx, wf *ApprovalWorkflow) error {
	for _, step := range wf.Steps {
		if err := upsertStep(ctx, tx, wf.ID, step); err != nil {
			return err
		}
	}
	for _, v := range wf.Versions {
		stepsJSON, err := json.Marshal(v.Steps)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal checkpoint steps")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO report_workflow_versions
			    (workflow_id, sequence, note, status, steps, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (workflow_id, sequence) DO NOTHING
		`, wf.ID, v.Sequence, v.Note, string(v.Status), stepsJSON, v.CreatedBy, v.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append workflow version")
		}
	}
	return nil
}

func upsertStep(ctx context.Context, tx pgx.Tx, workflowID string, step *ApprovalStep) error {
	delegations, err := json.Marshal(step.Delegations)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal delegations")
	}
	escalations, err := json.Marshal(step.Escalations)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal escalations")
	}
	infoRequests, err := json.Marshal(step.InformationRequests)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal information requests")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO report_workflow_steps
		    (id, workflow_id, step_number, required_role, assigned_to, current_assignee,
		     weight, status, decision_comment, decided_by, decided_by_name, decided_at,
		     became_current_at, due_at, conditions, escalation_origin,
		     delegations, escalations, information_requests)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16,
		        $17, $18, $19)
		ON CONFLICT (id) DO UPDATE
		SET step_number          = EXCLUDED.step_number,
		    current_assignee     = EXCLUDED.current_assignee,
		    weight               = EXCLUDED.weight,
		    status               = EXCLUDED.status,
		    decision_comment     = EXCLUDED.decision_comment,
		    decided_by           = EXCLUDED.decided_by,
		    decided_by_name      = EXCLUDED.decided_by_name,
		    decided_at           = EXCLUDED.decided_at,
		    became_current_at    = EXCLUDED.became_current_at,
		    due_at               = EXCLUDED.due_at,
		    conditions           = EXCLUDED.conditions,
		    delegations          = EXCLUDED.delegations,
		    escalations          = EXCLUDED.escalations,
		    information_requests = EXCLUDED.information_requests
	`,
		step.ID, workflowID, step.StepNumber, step.RequiredRole, step.AssignedTo, step.CurrentAssignee,
		step.Weight, string(step.Status), step.DecisionComment, step.DecidedBy, step.DecidedByName, step.DecidedAt,
		step.BecameCurrentAt, step.DueAt, step.Conditions, step.EscalationOrigin,
		delegations, escalations, infoRequests,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write approval step")
	}
	return nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, wf *ApprovalWorkflow) error {
	steps, err := s.loadSteps(ctx, wf.ID)
	if err != nil {
		return err
	}
	wf.Steps = steps

	rows, err := s.db.Query(ctx, `
		SELECT sequence, note, status, steps, created_by, created_at
		FROM report_workflow_versions
		WHERE workflow_id = $1
		ORDER BY sequence ASC
	`, wf.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to load workflow versions")
	}
	defer rows.Close()

	for rows.Next() {
		v := &WorkflowVersion{}
		var status string
		var stepsJSON []byte
		if err := rows.Scan(&v.Sequence, &v.Note, &status, &stepsJSON, &v.CreatedBy, &v.CreatedAt); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow version")
		}
		v.Status = WorkflowStatus(status)
		if err := json.Unmarshal(stepsJSON, &v.Steps); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal checkpoint steps")
		}
		wf.Versions = append(wf.Versions, v)
	}
	return rows.Err()
}

func (s *PostgresStore) loadSteps(ctx context.Context, workflowID string) ([]*ApprovalStep, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, step_number, required_role, assigned_to, current_assignee,
		       weight, status, decision_comment, decided_by, decided_by_name, decided_at,
		       became_current_at, due_at, conditions, escalation_origin,
		       delegations, escalations, information_requests
		FROM report_workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_number ASC
	`, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ── Comments ─────────────────────────────────────────────────────────────────

// AppendComment inserts a comment. Comments are never updated.
func (s *PostgresStore) AppendComment(ctx context.Context, c *ReportComment) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO report_comments
		    (id, report_id, workflow_id, step_id, author_id, author_name,
		     content, internal, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10)
	`, c.ID, c.ReportID, c.WorkflowID, c.StepID, c.AuthorID, c.AuthorName,
		c.Content, c.Internal, c.ReplyTo, c.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append comment")
	}
	return nil
}

// ListComments returns a report's comments oldest first.
func (s *PostgresStore) ListComments(ctx context.Context, reportID string) ([]*ReportComment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, report_id, workflow_id, step_id, author_id, author_name,
		       content, internal, reply_to, created_at
		FROM report_comments
		WHERE report_id = $1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list comments")
	}
	defer rows.Close()

	comments := make([]*ReportComment, 0)
	for rows.Next() {
		c := &ReportComment{}
		if err := rows.Scan(&c.ID, &c.ReportID, &c.WorkflowID, &c.StepID, &c.AuthorID, &c.AuthorName,
			&c.Content, &c.Internal, &c.ReplyTo, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan comment")
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	r := &Report{}
	var phase string
	err := row.Scan(
		&r.ID,
		&r.ProjectID,
		&r.Name,
		&r.UploadedBy,
		&phase,
		&r.WorkflowID,
		&r.CurrentReviewerID,
		&r.NextReviewerID,
		&r.FileIDs,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Phase = ReportPhase(phase)
	return r, nil
}

func scanWorkflow(row rowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	var status string
	var policyJSON []byte
	err := row.Scan(
		&wf.ID,
		&wf.ReportID,
		&wf.ProjectID,
		&status,
		&wf.Version,
		&policyJSON,
		&wf.Resubmittable,
		&wf.CancelReason,
		&wf.CreatedAt,
		&wf.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.Status = WorkflowStatus(status)
	if err := json.Unmarshal(policyJSON, &wf.Policy); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval policy")
	}
	return wf, nil
}

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	var status string
	var requiredRole *string
	var delegations, escalations, infoRequests []byte
	err := row.Scan(
		&s.ID,
		&s.StepNumber,
		&requiredRole,
		&s.AssignedTo,
		&s.CurrentAssignee,
		&s.Weight,
		&status,
		&s.DecisionComment,
		&s.DecidedBy,
		&s.DecidedByName,
		&s.DecidedAt,
		&s.BecameCurrentAt,
		&s.DueAt,
		&s.Conditions,
		&s.EscalationOrigin,
		&delegations,
		&escalations,
		&infoRequests,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
	}
	s.Status = StepStatus(status)
	if requiredRole != nil {
		s.RequiredRole = *requiredRole
	}
	if err := unmarshalOptional(delegations, &s.Delegations); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(escalations, &s.Escalations); err != nil {
		return nil, err
	}
	if err := unmarshalOptional(infoRequests, &s.InformationRequests); err != nil {
		return nil, err
	}
	return s, nil
}

func unmarshalOptional(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal step history")
	}
	return nil
}
