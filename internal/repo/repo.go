package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rallypoint/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertPlan stores the plan document; the plan body is kept as JSON.
func (r Repo) UpsertPlan(ctx context.Context, p domain.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO plans(id,organization_id,title,status,plan_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET organization_id=excluded.organization_id, title=excluded.title, status=excluded.status, plan_json=excluded.plan_json, updated_at=excluded.updated_at`,
		p.ID, p.OrganizationID, p.Title, p.Status, string(payload), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var (
		p         domain.Plan
		payload   string
		createdAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT plan_json, created_at FROM plans WHERE id=?`, id).Scan(&payload, &createdAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return p, fmt.Errorf("decode plan %s: %w", id, err)
	}
	p.CreatedAt = createdAt
	return p, nil
}

// ListPlans returns plan summaries (no stakeholders or tasks) newest first.
func (r Repo) ListPlans(ctx context.Context, orgID string) ([]domain.Plan, error) {
	query := `SELECT id,organization_id,title,status,created_at,updated_at FROM plans`
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Title, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString, dst any) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}
