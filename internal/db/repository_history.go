package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// AppendHistory writes an audit record of a dispatch attempt
func (r *Repository) AppendHistory(ctx context.Context, h *HistoryRecord) error {
	return insertHistory(ctx, r.db.Pool(), h)
}

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertHistory(ctx context.Context, q execer, h *HistoryRecord) error {
	query := `
		INSERT INTO historico_cobranca (
			id, fatura_id, regra_id, cliente_id, lote_id, is_fila_critica,
			resultado, mensagem, canal, resposta
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	var raw []byte
	if len(h.RawResponse) > 0 {
		raw = h.RawResponse
	}

	err := q.QueryRow(ctx, query,
		h.ID,
		h.InvoiceID,
		h.RuleID,
		h.CustomerID,
		h.BatchID,
		h.IsCriticalQueue,
		h.Outcome,
		h.MessageText,
		h.Channel,
		raw,
	).Scan(&h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// HistoryExistsSince reports whether the invoice was attempted for the given
// queue kind at or after since
func (r *Repository) HistoryExistsSince(ctx context.Context, invoiceID uuid.UUID, kind QueueKind, since time.Time) (bool, error) {
	var (
		query string
		args  []any
	)

	if ruleID, ok := kind.RuleID(); ok {
		query = `
			SELECT EXISTS (
				SELECT 1 FROM historico_cobranca
				WHERE fatura_id = $1 AND regra_id = $2 AND created_at >= $3
			)
		`
		args = []any{invoiceID, ruleID, since}
	} else {
		query = `
			SELECT EXISTS (
				SELECT 1 FROM historico_cobranca
				WHERE fatura_id = $1 AND is_fila_critica = true AND created_at >= $2
			)
		`
		args = []any{invoiceID, since}
	}

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check history: %w", err)
	}
	return exists, nil
}
