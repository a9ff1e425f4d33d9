package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-api/internal/domain"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
	"github.com/storyloom/storyloom-api/internal/store"
)

// PostgresPageStore implements the store.PageStore interface using
// PostgreSQL.
type PostgresPageStore struct {
	db store.DBTX
}

// NewPostgresPageStore creates a new PostgresPageStore.
func NewPostgresPageStore(db store.DBTX) *PostgresPageStore {
	return &PostgresPageStore{db: db}
}

// Ensure PostgresPageStore implements store.PageStore
var _ store.PageStore = (*PostgresPageStore)(nil)

// WithTx implements store.PageStore.WithTx
func (s *PostgresPageStore) WithTx(tx *sql.Tx) store.PageStore {
	return &PostgresPageStore{db: tx}
}

// SavePageResult implements store.PageStore.SavePageResult. The upsert
// keyed on (job_id, page_number) makes re-running a page after a worker
// crash overwrite the earlier result instead of duplicating it.
func (s *PostgresPageStore) SavePageResult(ctx context.Context, jobID uuid.UUID, page domain.PageContent) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO pages (job_id, page_number, text, image_prompt, image_ref, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id, page_number)
		DO UPDATE SET text = EXCLUDED.text,
			image_prompt = EXCLUDED.image_prompt,
			image_ref = EXCLUDED.image_ref,
			updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		jobID,
		page.PageNumber,
		page.Text,
		page.ImagePrompt,
		page.ImageRef,
		time.Now().UTC(),
	)
	if err != nil {
		log.Error("failed to save page result",
			"job_id", jobID,
			"page_number", page.PageNumber,
			"error", err)
		return MapError(err)
	}

	log.Debug("page result saved", "job_id", jobID, "page_number", page.PageNumber)
	return nil
}

// GetPages implements store.PageStore.GetPages
func (s *PostgresPageStore) GetPages(ctx context.Context, jobID uuid.UUID) ([]domain.PageContent, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT page_number, text, image_prompt, image_ref
		FROM pages
		WHERE job_id = $1
		ORDER BY page_number ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		log.Error("failed to query pages", "job_id", jobID, "error", err)
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var pages []domain.PageContent
	for rows.Next() {
		var (
			page     domain.PageContent
			imageRef sql.NullString
		)
		if err := rows.Scan(&page.PageNumber, &page.Text, &page.ImagePrompt, &imageRef); err != nil {
			return nil, fmt.Errorf("failed to scan page row: %w", err)
		}
		page.ImageRef = imageRef.String
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating page rows: %w", err)
	}

	return pages, nil
}
