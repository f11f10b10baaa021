package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasklens.dev/processor/internal/domain"
	"tasklens.dev/processor/internal/model"
)

type discussionStore struct {
	pool *pgxpool.Pool
}

func newDiscussionStore(pool *pgxpool.Pool) DiscussionStore {
	return &discussionStore{pool: pool}
}

const discussionColumns = `id, flow_id, source_type, source_thread_id, source_url, team_id,
	author_handle, title, content, participants, metadata,
	status, attempts, stage, error, error_stack, notify_error,
	analysis, output_refs, processing_ms,
	created_at, updated_at, completed_at`

func (s *discussionStore) GetByID(ctx context.Context, id int64) (*model.Discussion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+discussionColumns+`
		FROM discussions
		WHERE id = $1`, id)

	d, err := scanDiscussion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

func (s *discussionStore) Create(ctx context.Context, d *model.Discussion) error {
	metadata, analysis, refs, err := encodeDiscussionJSON(d)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO discussions (
			id, flow_id, source_type, source_thread_id, source_url, team_id,
			author_handle, title, content, participants, metadata,
			status, attempts, stage, error, error_stack, notify_error,
			analysis, output_refs, processing_ms,
			created_at, updated_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20,
			$21, $22, $23
		)`,
		d.ID, d.FlowID, d.SourceType, d.SourceThreadID, d.SourceURL, d.TeamID,
		d.AuthorHandle, d.Title, d.Content, d.Participants, metadata,
		string(d.Status), d.Attempts, d.Stage, d.Error, d.ErrorStack, d.NotifyError,
		analysis, refs, d.ProcessingMS,
		d.CreatedAt, d.UpdatedAt, d.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert discussion: %w", err)
	}
	return nil
}

func (s *discussionStore) Update(ctx context.Context, d *model.Discussion) error {
	metadata, analysis, refs, err := encodeDiscussionJSON(d)
	if err != nil {
		return err
	}

	d.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE discussions SET
			status = $2, attempts = $3, stage = $4,
			error = $5, error_stack = $6, notify_error = $7,
			analysis = $8, output_refs = $9, processing_ms = $10,
			metadata = $11, updated_at = $12, completed_at = $13
		WHERE id = $1`,
		d.ID,
		string(d.Status), d.Attempts, d.Stage,
		d.Error, d.ErrorStack, d.NotifyError,
		analysis, refs, d.ProcessingMS,
		metadata, d.UpdatedAt, d.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update discussion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *discussionStore) TransitionStatus(ctx context.Context, id int64, from, to model.DiscussionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE discussions
		SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition discussion status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM discussions WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, from, current)
	}
	return nil
}

func (s *discussionStore) ListByStatus(ctx context.Context, status model.DiscussionStatus, limit int) ([]model.Discussion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+discussionColumns+`
		FROM discussions
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Discussion
	for rows.Next() {
		d, err := scanDiscussion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func encodeDiscussionJSON(d *model.Discussion) (metadata, analysis, refs []byte, err error) {
	if d.Metadata != nil {
		metadata, err = json.Marshal(d.Metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal discussion metadata: %w", err)
		}
	}
	if d.Analysis != nil {
		analysis, err = json.Marshal(d.Analysis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal analysis result: %w", err)
		}
	}
	if d.OutputRefs != nil {
		refs, err = json.Marshal(d.OutputRefs)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal output refs: %w", err)
		}
	}
	return metadata, analysis, refs, nil
}

func scanDiscussion(row pgx.Row) (*model.Discussion, error) {
	var d model.Discussion
	var status string
	var metadata, analysis, refs []byte

	err := row.Scan(
		&d.ID, &d.FlowID, &d.SourceType, &d.SourceThreadID, &d.SourceURL, &d.TeamID,
		&d.AuthorHandle, &d.Title, &d.Content, &d.Participants, &metadata,
		&status, &d.Attempts, &d.Stage, &d.Error, &d.ErrorStack, &d.NotifyError,
		&analysis, &refs, &d.ProcessingMS,
		&d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = model.DiscussionStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal discussion metadata: %w", err)
		}
	}
	if len(analysis) > 0 {
		d.Analysis = &domain.AIAnalysisResult{}
		if err := json.Unmarshal(analysis, d.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis result: %w", err)
		}
	}
	if len(refs) > 0 {
		if err := json.Unmarshal(refs, &d.OutputRefs); err != nil {
			return nil, fmt.Errorf("unmarshal output refs: %w", err)
		}
	}
	return &d, nil
}
