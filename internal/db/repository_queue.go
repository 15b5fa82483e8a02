package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueEntryExists reports whether the invoice already has an entry of the
// given kind in one of the given statuses
func (r *Repository) QueueEntryExists(ctx context.Context, invoiceID uuid.UUID, kind QueueKind, statuses []string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM filas_cobranca
			WHERE fatura_id = $1
			  AND regra_id IS NOT DISTINCT FROM $2
			  AND status = ANY($3)
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, invoiceID, kind.NullableRuleID(), statuses).Scan(&exists); err != nil {
		return false, fmt.Errorf("check queue entry: %w", err)
	}
	return exists, nil
}

// InsertQueueEntry adds a pending entry to a per-rule or critical queue
func (r *Repository) InsertQueueEntry(ctx context.Context, e *QueueEntry) error {
	query := `
		INSERT INTO filas_cobranca (
			id, regra_id, fatura_id, cliente_id, status, tentativas
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		e.ID,
		e.Kind.NullableRuleID(),
		e.InvoiceID,
		e.CustomerID,
		e.Status,
		e.Attempts,
	).Scan(&e.CreatedAt)
	if err != nil {
		r.logger.Error("failed to insert queue entry",
			zap.Error(err),
			zap.String("invoice_id", e.InvoiceID.String()),
			zap.String("queue", e.Kind.String()),
		)
		return fmt.Errorf("insert queue entry: %w", err)
	}

	return nil
}

// ListPendingQueueEntries returns the oldest pending entries first
func (r *Repository) ListPendingQueueEntries(ctx context.Context, limit int) ([]*QueueEntry, error) {
	query := `
		SELECT id, regra_id, fatura_id, cliente_id, status, tentativas,
			erro_mensagem, enviado_at, created_at
		FROM filas_cobranca
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending queue entries: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		var (
			e      QueueEntry
			ruleID *uuid.UUID
		)
		err := rows.Scan(
			&e.ID,
			&ruleID,
			&e.InvoiceID,
			&e.CustomerID,
			&e.Status,
			&e.Attempts,
			&e.ErrorMessage,
			&e.SentAt,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.Kind = QueueKindFromColumn(ruleID)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

// ClaimQueueEntry moves an entry from pending to processing. It returns false
// when another worker claimed it first.
func (r *Repository) ClaimQueueEntry(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE filas_cobranca
		SET status = 'processing', tentativas = tentativas + 1
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim queue entry: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// CompleteQueueEntry records the outcome of a claimed entry
func (r *Repository) CompleteQueueEntry(ctx context.Context, id uuid.UUID, status string, errorMsg *string, sentAt *time.Time) error {
	query := `
		UPDATE filas_cobranca
		SET status = $2, erro_mensagem = $3, enviado_at = $4
		WHERE id = $1 AND status = 'processing'
	`

	result, err := r.db.Pool().Exec(ctx, query, id, status, errorMsg, sentAt)
	if err != nil {
		return fmt.Errorf("complete queue entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("queue entry %s: %w", id, ErrStatusConflict)
	}
	return nil
}
