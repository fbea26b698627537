// Package document manages the canonical document records: registration on
// ingest completion, page text storage, status transitions, and project
// membership.
package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkhamlabs/arkham/pkg/uuid"
)

// Status values of a document's processing lifecycle.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusFailed     = "failed"
)

// Document is the stored record.
type Document struct {
	ID        string         `json:"id"`
	Filename  string         `json:"filename"`
	MimeType  string         `json:"mime_type"`
	Size      int64          `json:"size"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Page is one page of extracted text.
type Page struct {
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document: not found")

// Service persists documents in SQLite.
type Service struct {
	db *sql.DB
}

// NewService creates a document service over db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// Create registers a new document in processing state and returns its ID.
func (s *Service) Create(ctx context.Context, filename, mimeType string, size int64, metadata map[string]any) (string, error) {
	id := uuid.NewV7().String()
	metaJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return "", fmt.Errorf("document: encode metadata: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO frame_documents (id, filename, mime_type, size, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, filename, mimeType, size, StatusProcessing, string(metaJSON), now, now)
	if err != nil {
		return "", fmt.Errorf("document: create %s: %w", filename, err)
	}
	return id, nil
}

// Get returns a document by ID.
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, filename, mime_type, size, status, metadata, created_at, updated_at
		FROM frame_documents WHERE id = ?`, id)
	return scanDocument(row)
}

// List returns documents ordered by creation time descending.
func (s *Service) List(ctx context.Context, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, mime_type, size, status, metadata, created_at, updated_at
		FROM frame_documents ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("document: list: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, scanErr := scanDocument(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// UpdateStatus transitions a document's status.
func (s *Service) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frame_documents SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("document: update status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document; chunks, pages, mentions, and project links
// cascade in the schema.
func (s *Service) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM frame_documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("document: delete %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SavePages replaces the stored page text of a document.
func (s *Service) SavePages(ctx context.Context, docID string, pages []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("document: save pages begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM frame_document_pages WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("document: clear pages %s: %w", docID, err)
	}
	for i, text := range pages {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO frame_document_pages (document_id, page_number, text)
			VALUES (?, ?, ?)`, docID, i+1, text); err != nil {
			return fmt.Errorf("document: save page %d of %s: %w", i+1, docID, err)
		}
	}
	return tx.Commit()
}

// Pages returns the page texts of a document in page order.
func (s *Service) Pages(ctx context.Context, docID string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, page_number, text FROM frame_document_pages
		WHERE document_id = ? ORDER BY page_number`, docID)
	if err != nil {
		return nil, fmt.Errorf("document: pages %s: %w", docID, err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if scanErr := rows.Scan(&p.DocumentID, &p.PageNumber, &p.Text); scanErr != nil {
			return nil, fmt.Errorf("document: pages scan: %w", scanErr)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// FullText concatenates all page texts with form feeds between pages.
func (s *Service) FullText(ctx context.Context, docID string) (string, error) {
	pages, err := s.Pages(ctx, docID)
	if err != nil {
		return "", err
	}
	text := ""
	for i, p := range pages {
		if i > 0 {
			text += "\f"
		}
		text += p.Text
	}
	return text, nil
}

// AssignProject links a document to a project; repeat assignment is a no-op.
func (s *Service) AssignProject(ctx context.Context, docID, projectID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO frame_document_projects (document_id, project_id) VALUES (?, ?)
		ON CONFLICT(document_id, project_id) DO NOTHING`, docID, projectID)
	if err != nil {
		return fmt.Errorf("document: assign project: %w", err)
	}
	return nil
}

// CreateProject registers a named project and returns its ID.
func (s *Service) CreateProject(ctx context.Context, name string) (string, error) {
	id := uuid.NewV7().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO frame_projects (id, name, created_at) VALUES (?, ?, ?)`,
		id, name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("document: create project %s: %w", name, err)
	}
	return id, nil
}

// Projects lists all projects.
func (s *Service) Projects(ctx context.Context) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM frame_projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("document: list projects: %w", err)
	}
	defer rows.Close()

	var projects []map[string]any
	for rows.Next() {
		var id, name, createdAt string
		if scanErr := rows.Scan(&id, &name, &createdAt); scanErr != nil {
			return nil, fmt.Errorf("document: projects scan: %w", scanErr)
		}
		projects = append(projects, map[string]any{"id": id, "name": name, "created_at": createdAt})
	}
	return projects, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var metaJSON, createdAt, updatedAt string
	err := row.Scan(&d.ID, &d.Filename, &d.MimeType, &d.Size, &d.Status,
		&metaJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("document: scan: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		return nil, fmt.Errorf("document: decode metadata: %w", err)
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	d.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &d, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
