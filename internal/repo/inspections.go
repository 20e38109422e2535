package repo

import (
	"context"
	"database/sql"

	"keyturn/internal/domain"
)

func (r Repo) InsertChecklistItem(ctx context.Context, tx *sql.Tx, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checklist_items(id,listing_id,title,description,created_by,creator_id,status,created_at,last_updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		item.ID, item.ListingID, item.Title, nullable(item.Description), item.CreatedBy, item.CreatorID, item.Status, item.CreatedAt, item.LastUpdatedAt)
	return err
}

func scanChecklistItem(row listingScanner) (domain.ChecklistItem, error) {
	var item domain.ChecklistItem
	var description sql.NullString
	err := row.Scan(&item.ID, &item.ListingID, &item.Title, &description, &item.CreatedBy, &item.CreatorID, &item.Status, &item.CreatedAt, &item.LastUpdatedAt)
	if err == sql.ErrNoRows {
		return item, ErrNotFound
	}
	if err != nil {
		return item, err
	}
	if description.Valid {
		item.Description = description.String
	}
	return item, nil
}

const checklistColumns = `id,listing_id,title,description,created_by,creator_id,status,created_at,last_updated_at`

func (r Repo) GetChecklistItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	return scanChecklistItem(r.DB.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE id=?`, id))
}

func (r Repo) GetChecklistItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChecklistItem, error) {
	return scanChecklistItem(tx.QueryRowContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE id=?`, id))
}

func (r Repo) UpdateChecklistStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checklist_items SET status=?, last_updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListChecklistItems(ctx context.Context, listingID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+checklistColumns+` FROM checklist_items WHERE listing_id=? ORDER BY created_at ASC, id ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		item, err := scanChecklistItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) InsertDefectIssue(ctx context.Context, tx *sql.Tx, issue domain.DefectIssue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO defect_issues(id,listing_id,title,location,description,status,reported_by,reporter_id,reported_at,expected_completion,resolved_at,checklist_item_id) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		issue.ID, issue.ListingID, issue.Title, nullable(issue.Location), nullable(issue.Description), issue.Status,
		issue.ReportedBy, issue.ReporterID, issue.ReportedAt, nullableStringPtr(issue.ExpectedCompletion),
		nullableStringPtr(issue.ResolvedAt), nullableStringPtr(issue.ChecklistItemID))
	return err
}

const defectColumns = `id,listing_id,title,location,description,status,reported_by,reporter_id,reported_at,expected_completion,resolved_at,checklist_item_id`

func scanDefectIssue(row listingScanner) (domain.DefectIssue, error) {
	var issue domain.DefectIssue
	var location, description, expectedCompletion, resolvedAt, checklistItemID sql.NullString
	err := row.Scan(&issue.ID, &issue.ListingID, &issue.Title, &location, &description, &issue.Status,
		&issue.ReportedBy, &issue.ReporterID, &issue.ReportedAt, &expectedCompletion, &resolvedAt, &checklistItemID)
	if err == sql.ErrNoRows {
		return issue, ErrNotFound
	}
	if err != nil {
		return issue, err
	}
	if location.Valid {
		issue.Location = location.String
	}
	if description.Valid {
		issue.Description = description.String
	}
	if expectedCompletion.Valid {
		issue.ExpectedCompletion = &expectedCompletion.String
	}
	if resolvedAt.Valid {
		issue.ResolvedAt = &resolvedAt.String
	}
	if checklistItemID.Valid {
		issue.ChecklistItemID = &checklistItemID.String
	}
	return issue, nil
}

func (r Repo) GetDefectIssue(ctx context.Context, id string) (domain.DefectIssue, error) {
	return scanDefectIssue(r.DB.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defect_issues WHERE id=?`, id))
}

func (r Repo) GetDefectIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.DefectIssue, error) {
	return scanDefectIssue(tx.QueryRowContext(ctx, `SELECT `+defectColumns+` FROM defect_issues WHERE id=?`, id))
}

func (r Repo) UpdateDefectStatus(ctx context.Context, tx *sql.Tx, id, status string, resolvedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE defect_issues SET status=?, resolved_at=COALESCE(resolved_at, ?) WHERE id=?`,
		status, nullableStringPtr(resolvedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListDefectIssues(ctx context.Context, listingID string) ([]domain.DefectIssue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+defectColumns+` FROM defect_issues WHERE listing_id=? ORDER BY reported_at ASC, id ASC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DefectIssue
	for rows.Next() {
		issue, err := scanDefectIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, issue)
	}
	return res, rows.Err()
}
