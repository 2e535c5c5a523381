package repo

import (
	"context"
	"database/sql"

	"rallypoint/internal/domain"
)

func (r Repo) InsertDocument(ctx context.Context, d domain.GeneratedDocument) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO generated_documents(id,instance_id,plan_id,kind,title,body,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.InstanceID, d.PlanID, d.Kind, d.Title, d.Body, d.CreatedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, instanceID string) ([]domain.GeneratedDocument, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,plan_id,kind,title,body,created_at FROM generated_documents WHERE instance_id=? ORDER BY created_at, id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GeneratedDocument{}
	for rows.Next() {
		var d domain.GeneratedDocument
		if err := rows.Scan(&d.ID, &d.InstanceID, &d.PlanID, &d.Kind, &d.Title, &d.Body, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertAcknowledgment(ctx context.Context, a domain.StakeholderAcknowledgment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stakeholder_acknowledgments(id,instance_id,stakeholder_id,name,channel,status,message_ref,error,notified_at,acknowledged_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.InstanceID, a.StakeholderID, a.Name, a.Channel, a.Status, nullable(a.MessageRef), nullable(a.Error), a.NotifiedAt, nullableStringPtr(a.AcknowledgedAt))
	return err
}

// MarkAcknowledged records that a stakeholder confirmed. Only notified rows move;
// a row already acknowledged keeps its original timestamp.
func (r Repo) MarkAcknowledged(ctx context.Context, instanceID, stakeholderID, at string) (domain.StakeholderAcknowledgment, error) {
	if _, err := r.DB.ExecContext(ctx, `UPDATE stakeholder_acknowledgments SET status=?, acknowledged_at=? WHERE instance_id=? AND stakeholder_id=? AND status=?`,
		domain.AckAcknowledged, at, instanceID, stakeholderID, domain.AckNotified); err != nil {
		return domain.StakeholderAcknowledgment{}, err
	}
	return r.GetAcknowledgment(ctx, instanceID, stakeholderID)
}

const ackColumns = `id,instance_id,stakeholder_id,name,channel,status,COALESCE(message_ref,''),COALESCE(error,''),notified_at,acknowledged_at`

func scanAck(row rowScanner) (domain.StakeholderAcknowledgment, error) {
	var (
		a   domain.StakeholderAcknowledgment
		ack sql.NullString
	)
	err := row.Scan(&a.ID, &a.InstanceID, &a.StakeholderID, &a.Name, &a.Channel, &a.Status, &a.MessageRef, &a.Error, &a.NotifiedAt, &ack)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if ack.Valid {
		a.AcknowledgedAt = &ack.String
	}
	return a, err
}

func (r Repo) GetAcknowledgment(ctx context.Context, instanceID, stakeholderID string) (domain.StakeholderAcknowledgment, error) {
	return scanAck(r.DB.QueryRowContext(ctx, `SELECT `+ackColumns+` FROM stakeholder_acknowledgments WHERE instance_id=? AND stakeholder_id=?`, instanceID, stakeholderID))
}

func (r Repo) ListAcknowledgments(ctx context.Context, instanceID string) ([]domain.StakeholderAcknowledgment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ackColumns+` FROM stakeholder_acknowledgments WHERE instance_id=? ORDER BY notified_at, stakeholder_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.StakeholderAcknowledgment{}
	for rows.Next() {
		a, err := scanAck(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertBudgetUnlock(ctx context.Context, b domain.BudgetUnlockRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO budget_unlocks(id,instance_id,budget_id,name,amount,currency,unlocked_at) VALUES (?,?,?,?,?,?,?)`,
		b.ID, b.InstanceID, b.BudgetID, b.Name, b.Amount, nullable(b.Currency), b.UnlockedAt)
	return err
}

func (r Repo) ListBudgetUnlocks(ctx context.Context, instanceID string) ([]domain.BudgetUnlockRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,instance_id,budget_id,name,amount,COALESCE(currency,''),unlocked_at FROM budget_unlocks WHERE instance_id=? ORDER BY unlocked_at, budget_id`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.BudgetUnlockRecord{}
	for rows.Next() {
		var b domain.BudgetUnlockRecord
		if err := rows.Scan(&b.ID, &b.InstanceID, &b.BudgetID, &b.Name, &b.Amount, &b.Currency, &b.UnlockedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertProjectSync(ctx context.Context, s domain.ProjectSyncRecord) error {
	keys := s.TicketKeys
	if keys == nil {
		keys = []string{}
	}
	keysJSON, err := encodeJSON(keys)
	if err != nil {
		return err
	}
	var errsJSON any
	if len(s.TicketErrors) > 0 {
		if errsJSON, err = encodeJSON(s.TicketErrors); err != nil {
			return err
		}
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO project_syncs(id,instance_id,chat_connection_id,ticketing_connection_id,channel_id,message_ref,ticket_keys_json,ticket_errors_json,status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.InstanceID, nullable(s.ChatConnectionID), nullable(s.TicketingConnectionID), nullable(s.ChannelID), nullable(s.MessageRef), keysJSON, errsJSON, s.Status, s.CreatedAt)
	return err
}

// GetProjectSync returns the sync record of an instance, or ErrNotFound when
// the plan bound no chat or ticketing connection.
func (r Repo) GetProjectSync(ctx context.Context, instanceID string) (domain.ProjectSyncRecord, error) {
	var (
		s                                 domain.ProjectSyncRecord
		chat, ticketing, channel, message sql.NullString
		keys, errs                        sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,instance_id,chat_connection_id,ticketing_connection_id,channel_id,message_ref,ticket_keys_json,ticket_errors_json,status,created_at FROM project_syncs WHERE instance_id=? ORDER BY created_at DESC LIMIT 1`, instanceID).
		Scan(&s.ID, &s.InstanceID, &chat, &ticketing, &channel, &message, &keys, &errs, &s.Status, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ChatConnectionID = chat.String
	s.TicketingConnectionID = ticketing.String
	s.ChannelID = channel.String
	s.MessageRef = message.String
	if err := decodeJSON(keys, &s.TicketKeys); err != nil {
		return s, err
	}
	if err := decodeJSON(errs, &s.TicketErrors); err != nil {
		return s, err
	}
	return s, nil
}
