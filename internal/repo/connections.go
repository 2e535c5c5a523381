package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rallypoint/internal/domain"
)

const connectionColumns = `id,organization_id,name,vendor,integration_type,status,credential_blob,config_json,last_tested_at,COALESCE(last_error,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (domain.IntegrationConnection, error) {
	var (
		c          domain.IntegrationConnection
		configJSON sql.NullString
		lastTested sql.NullString
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Vendor, &c.IntegrationType, &c.Status,
		&c.CredentialBlob, &configJSON, &lastTested, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if lastTested.Valid {
		c.LastTestedAt = &lastTested.String
	}
	if err := decodeJSON(configJSON, &c.Config); err != nil {
		return c, fmt.Errorf("decode connection config: %w", err)
	}
	return c, nil
}

func (r Repo) InsertConnection(ctx context.Context, c domain.IntegrationConnection) error {
	cfg, err := encodeJSON(c.Config)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO integration_connections(id,organization_id,name,vendor,integration_type,status,credential_blob,config_json,last_tested_at,last_error,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrganizationID, c.Name, c.Vendor, c.IntegrationType, c.Status, c.CredentialBlob, cfg,
		nullableStringPtr(c.LastTestedAt), nullable(c.LastError), c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetConnection(ctx context.Context, id string) (domain.IntegrationConnection, error) {
	return scanConnection(r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM integration_connections WHERE id=?`, id))
}

func (r Repo) ListConnections(ctx context.Context, orgID string) ([]domain.IntegrationConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM integration_connections`
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntegrationConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ConnectionUpdate lists the mutable fields of a connection. Nil fields are left alone.
type ConnectionUpdate struct {
	Status         *string
	CredentialBlob *string
	Config         map[string]any
	LastTestedAt   *string
	LastError      *string
	UpdatedAt      string
}

func (r Repo) UpdateConnection(ctx context.Context, id string, u ConnectionUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *u.Status)
	}
	if u.CredentialBlob != nil {
		fields = append(fields, "credential_blob=?")
		args = append(args, *u.CredentialBlob)
	}
	if u.Config != nil {
		cfg, err := encodeJSON(u.Config)
		if err != nil {
			return err
		}
		fields = append(fields, "config_json=?")
		args = append(args, cfg)
	}
	if u.LastTestedAt != nil {
		fields = append(fields, "last_tested_at=?")
		args = append(args, *u.LastTestedAt)
	}
	if u.LastError != nil {
		fields = append(fields, "last_error=?")
		args = append(args, nullable(*u.LastError))
	}
	if len(fields) == 0 {
		return nil
	}
	if u.UpdatedAt != "" {
		fields = append(fields, "updated_at=?")
		args = append(args, u.UpdatedAt)
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE integration_connections SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
