package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tasklens.dev/processor/internal/model"
)

type flowStore struct {
	pool *pgxpool.Pool
}

func newFlowStore(pool *pgxpool.Pool) FlowStore {
	return &flowStore{pool: pool}
}

const flowColumns = `id, name, ai_enabled, summary_prompt, task_prompt,
	available_domains, active, created_at, updated_at`

func (s *flowStore) GetByID(ctx context.Context, id int64) (*model.Flow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+flowColumns+`
		FROM flows
		WHERE id = $1`, id)

	f, err := scanFlow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func (s *flowStore) GetActiveByInput(ctx context.Context, sourceType, teamID string) (*model.Flow, *model.FlowInput, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT f.id, f.name, f.ai_enabled, f.summary_prompt, f.task_prompt,
			f.available_domains, f.active, f.created_at, f.updated_at,
			fi.id, fi.flow_id, fi.source_type, fi.team_id, fi.config, fi.created_at
		FROM flow_inputs fi
		JOIN flows f ON f.id = fi.flow_id
		WHERE fi.source_type = $1 AND fi.team_id = $2 AND f.active
		ORDER BY fi.created_at ASC
		LIMIT 1`, sourceType, teamID)

	var f model.Flow
	var in model.FlowInput
	err := row.Scan(
		&f.ID, &f.Name, &f.AIEnabled, &f.SummaryPrompt, &f.TaskPrompt,
		&f.AvailableDomains, &f.Active, &f.CreatedAt, &f.UpdatedAt,
		&in.ID, &in.FlowID, &in.SourceType, &in.TeamID, &in.Config, &in.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("query flow by input: %w", err)
	}
	return &f, &in, nil
}

func (s *flowStore) ListOutputs(ctx context.Context, flowID int64) ([]model.FlowOutput, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, flow_id, output_type, domain_filter, is_default, config, created_at
		FROM flow_outputs
		WHERE flow_id = $1
		ORDER BY created_at ASC, id ASC`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FlowOutput
	for rows.Next() {
		var o model.FlowOutput
		err := rows.Scan(&o.ID, &o.FlowID, &o.OutputType, &o.DomainFilter, &o.IsDefault, &o.Config, &o.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanFlow(row pgx.Row) (*model.Flow, error) {
	var f model.Flow
	err := row.Scan(
		&f.ID, &f.Name, &f.AIEnabled, &f.SummaryPrompt, &f.TaskPrompt,
		&f.AvailableDomains, &f.Active, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
