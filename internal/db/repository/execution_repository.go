package repository

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/synthgen/internal/db"
	"github.com/ssuji15/synthgen/internal/tracer"
	"github.com/ssuji15/synthgen/internal/util"
	"github.com/ssuji15/synthgen/model"
)

const pageSize = 25

type ExecutionRepository struct {
	db *db.DB
}

func NewExecutionRepository(db *db.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// RecordExecution inserts e, assigning a time ordered id when it has none.
func (r *ExecutionRepository) RecordExecution(ctx context.Context, e *model.Execution) error {
	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/RecordExecution")
	defer span.End()

	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			util.RecordSpanError(span, err)
			return err
		}
		e.ID = id
	}
	span.AddEvent("execution.context",
		trace.WithAttributes(
			attribute.String("id", e.ID.String()),
			attribute.String("status", string(e.Status)),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO executions (
			id,
			code_hash,
			language,
			status,
			attempts,
			error,
			artifact_hash,
			start_time,
			end_time
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		e.ID,
		e.CodeHash,
		e.Language,
		e.Status,
		e.Attempts,
		e.Error,
		e.ArtifactHash,
		e.StartTime,
		e.EndTime,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *ExecutionRepository) GetExecutionByID(ctx context.Context, id string) (*model.Execution, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/GetExecution")
	defer span.End()

	var e model.Execution
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, code_hash, language, status, attempts, error, artifact_hash, start_time, end_time
		FROM executions
		WHERE id = $1`, id).
		Scan(&e.ID, &e.CodeHash, &e.Language, &e.Status, &e.Attempts, &e.Error, &e.ArtifactHash, &e.StartTime, &e.EndTime)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return &e, nil
}

// ListExecutionsByCodeHash returns up to one page of executions for a code
// hash, newest first. A non-empty offset resumes after that id.
func (r *ExecutionRepository) ListExecutionsByCodeHash(ctx context.Context, codeHash, offset string) ([]*model.Execution, error) {
	ctx, span := tracer.GetTracer().Start(ctx, "Postgres/ListExecutions")
	defer span.End()

	query := `
		SELECT id, code_hash, language, status, attempts, error, artifact_hash, start_time, end_time
		FROM executions
		WHERE code_hash = $1
		ORDER BY id DESC
		LIMIT $2`
	args := []any{codeHash, pageSize}
	if offset != "" {
		query = `
			SELECT id, code_hash, language, status, attempts, error, artifact_hash, start_time, end_time
			FROM executions
			WHERE code_hash = $1 AND id < $2
			ORDER BY id DESC
			LIMIT $3`
		args = []any{codeHash, offset, pageSize}
	}

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(&e.ID, &e.CodeHash, &e.Language, &e.Status, &e.Attempts, &e.Error, &e.ArtifactHash, &e.StartTime, &e.EndTime); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return out, nil
}
