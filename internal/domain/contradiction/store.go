package contradiction

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

func (s *Service) save(ctx context.Context, c *Contradiction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contradictions_contradictions
			(id, doc_a_id, doc_b_id, claim_a, claim_b, type, severity, status, confidence, explanation, chain_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)`,
		c.ID, c.DocAID, c.DocBID, c.ClaimA, c.ClaimB,
		string(c.Type), string(c.Severity), string(c.Status),
		c.Confidence, c.Explanation, c.ChainID,
		c.CreatedAt.Format(time.RFC3339), c.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("contradiction: save: %w", err)
	}
	return nil
}

// Get returns one contradiction by id.
func (s *Service) Get(ctx context.Context, id string) (*Contradiction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, doc_a_id, doc_b_id, claim_a, claim_b, type, severity, status, confidence, explanation, chain_id, created_at, updated_at
		FROM contradictions_contradictions WHERE id = ?`, id)
	c, err := scanContradiction(row)
	if err == sql.ErrNoRows {
		return nil, ErrContradictionNotFound
	}
	return c, err
}

// ListFilter narrows List output. Zero values mean "any".
type ListFilter struct {
	DocID    string
	Type     Type
	Severity Severity
	Status   Status
	Limit    int
	Offset   int
}

// List returns contradictions newest first.
func (s *Service) List(ctx context.Context, f ListFilter) ([]Contradiction, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT id, doc_a_id, doc_b_id, claim_a, claim_b, type, severity, status, confidence, explanation, chain_id, created_at, updated_at
		FROM contradictions_contradictions WHERE 1=1`)
	args := []any{}
	if f.DocID != "" {
		sb.WriteString(` AND (doc_a_id = ? OR doc_b_id = ?)`)
		args = append(args, f.DocID, f.DocID)
	}
	if f.Type != "" {
		sb.WriteString(` AND type = ?`)
		args = append(args, string(f.Type))
	}
	if f.Severity != "" {
		sb.WriteString(` AND severity = ?`)
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		sb.WriteString(` AND status = ?`)
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	sb.WriteString(` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("contradiction: list: %w", err)
	}
	defer rows.Close()

	out := []Contradiction{}
	for rows.Next() {
		c, err := scanContradiction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a contradiction's triage state and emits the
// matching event. Last writer wins.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (*Contradiction, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("contradiction: invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE contradictions_contradictions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return nil, fmt.Errorf("contradiction: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrContradictionNotFound
	}

	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{"contradiction_id": id, "status": string(status)}
	switch status {
	case StatusConfirmed:
		s.bus.Emit(TopicConfirmed, payload, "contradictions")
	case StatusDismissed:
		s.bus.Emit(TopicDismissed, payload, "contradictions")
	default:
		s.bus.Emit(TopicStatusUpdated, payload, "contradictions")
	}
	return c, nil
}

func (s *Service) saveChain(ctx context.Context, ch *Chain) error {
	contradictionIDs, err := json.Marshal(ch.ContradictionIDs)
	if err != nil {
		return fmt.Errorf("contradiction: marshal chain: %w", err)
	}
	documentIDs, err := json.Marshal(ch.DocumentIDs)
	if err != nil {
		return fmt.Errorf("contradiction: marshal chain: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contradiction: begin chain tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contradictions_chains (id, contradiction_ids, document_ids, created_at)
		VALUES (?, ?, ?, ?)`,
		ch.ID, string(contradictionIDs), string(documentIDs), ch.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("contradiction: save chain: %w", err)
	}
	for _, cid := range ch.ContradictionIDs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE contradictions_contradictions SET chain_id = ?, updated_at = ? WHERE id = ?`,
			ch.ID, time.Now().UTC().Format(time.RFC3339), cid); err != nil {
			return fmt.Errorf("contradiction: link chain member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("contradiction: commit chain: %w", err)
	}
	return nil
}

func (s *Service) clearChains(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("contradiction: begin clear tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if _, err := tx.ExecContext(ctx, `UPDATE contradictions_contradictions SET chain_id = NULL`); err != nil {
		return fmt.Errorf("contradiction: unlink chains: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contradictions_chains`); err != nil {
		return fmt.Errorf("contradiction: clear chains: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("contradiction: commit clear: %w", err)
	}
	return nil
}

// Chains returns all stored chains, newest first.
func (s *Service) Chains(ctx context.Context) ([]Chain, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contradiction_ids, document_ids, created_at
		FROM contradictions_chains ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("contradiction: list chains: %w", err)
	}
	defer rows.Close()

	out := []Chain{}
	for rows.Next() {
		var ch Chain
		var cids, dids, created string
		if err := rows.Scan(&ch.ID, &cids, &dids, &created); err != nil {
			return nil, fmt.Errorf("contradiction: scan chain: %w", err)
		}
		if err := json.Unmarshal([]byte(cids), &ch.ContradictionIDs); err != nil {
			return nil, fmt.Errorf("contradiction: decode chain members: %w", err)
		}
		if err := json.Unmarshal([]byte(dids), &ch.DocumentIDs); err != nil {
			return nil, fmt.Errorf("contradiction: decode chain documents: %w", err)
		}
		ch.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, ch)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContradiction(row rowScanner) (*Contradiction, error) {
	var c Contradiction
	var typ, severity, status, created, updated string
	var chainID sql.NullString
	err := row.Scan(&c.ID, &c.DocAID, &c.DocBID, &c.ClaimA, &c.ClaimB,
		&typ, &severity, &status, &c.Confidence, &c.Explanation, &chainID, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("contradiction: scan: %w", err)
	}
	c.Type = Type(typ)
	c.Severity = Severity(severity)
	c.Status = Status(status)
	c.ChainID = chainID.String
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return &c, nil
}

func newID() string { return uuid.NewV7().String() }
