package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const batchColumns = `
	id, nome, status, total_faturas, total_enviados, total_sucesso, total_falha,
	approved_by, approved_at, created_by, created_at
`

func scanBatch(row pgx.Row) (*Batch, error) {
	var b Batch
	err := row.Scan(
		&b.ID,
		&b.Name,
		&b.Status,
		&b.TotalInvoices,
		&b.TotalSent,
		&b.TotalSuccess,
		&b.TotalFailure,
		&b.ApprovedBy,
		&b.ApprovedAt,
		&b.CreatedBy,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBatch inserts a new batch row
func (r *Repository) CreateBatch(ctx context.Context, b *Batch) error {
	query := `
		INSERT INTO lotes_cobranca (id, nome, status, created_by)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, b.ID, b.Name, b.Status, b.CreatedBy).Scan(&b.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create batch",
			zap.Error(err),
			zap.String("batch_id", b.ID.String()),
		)
		return fmt.Errorf("insert batch: %w", err)
	}

	r.logger.Info("batch created",
		zap.String("batch_id", b.ID.String()),
		zap.String("name", b.Name),
		zap.String("created_by", b.CreatedBy),
	)

	return nil
}

// GetBatch retrieves a batch by ID
func (r *Repository) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM lotes_cobranca WHERE id = $1`

	b, err := scanBatch(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	return b, nil
}

// ListBatches returns the most recent batches first
func (r *Repository) ListBatches(ctx context.Context, limit, offset int) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + `
		FROM lotes_cobranca
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return batches, nil
}

// InsertLineItems copies the items into the batch and bumps total_faturas in
// one transaction. Nothing is written if the batch is no longer editable.
func (r *Repository) InsertLineItems(ctx context.Context, batchID uuid.UUID, items []*LineItem) error {
	if len(items) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(items))
	for _, it := range items {
		it.BatchID = batchID
		rows = append(rows, []any{
			it.ID,
			it.BatchID,
			it.InvoiceID,
			it.CustomerID,
			it.Phone,
			it.GeneratedMessage,
			it.SendStatus,
			it.Attempts,
		})
	}

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		copied, err := tx.CopyFrom(ctx,
			pgx.Identifier{"itens_lote"},
			[]string{"id", "lote_id", "fatura_id", "cliente_id", "telefone", "mensagem_gerada", "status_envio", "tentativas"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("copy line items: %w", err)
		}
		if int(copied) != len(items) {
			return fmt.Errorf("copy line items: wrote %d of %d rows", copied, len(items))
		}

		update := `
			UPDATE lotes_cobranca
			SET total_faturas = total_faturas + $2
			WHERE id = $1 AND status IN ('draft', 'awaiting_approval')
		`
		result, err := tx.Exec(ctx, update, batchID, len(items))
		if err != nil {
			return fmt.Errorf("update batch totals: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("batch %s: %w", batchID, ErrStatusConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("line items added",
		zap.String("batch_id", batchID.String()),
		zap.Int("count", len(items)),
	)

	return nil
}

// TransitionBatch moves a batch from one status to another. It fails with
// ErrStatusConflict when the stored status is not from.
func (r *Repository) TransitionBatch(ctx context.Context, id uuid.UUID, from, to string, patch BatchPatch) error {
	query := `
		UPDATE lotes_cobranca
		SET status = $3,
			approved_by = COALESCE($4, approved_by),
			approved_at = COALESCE($5, approved_at)
		WHERE id = $1 AND status = $2
	`

	result, err := r.db.Pool().Exec(ctx, query, id, from, to, patch.ApprovedBy, patch.ApprovedAt)
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.GetBatch(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("batch %s not in %s: %w", id, from, ErrStatusConflict)
	}

	r.logger.Info("batch status changed",
		zap.String("batch_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)

	return nil
}

// DeleteBatch removes a batch whose status is in allowed. Line items go with
// it through the foreign key cascade.
func (r *Repository) DeleteBatch(ctx context.Context, id uuid.UUID, allowed []string) error {
	query := `DELETE FROM lotes_cobranca WHERE id = $1 AND status = ANY($2)`

	result, err := r.db.Pool().Exec(ctx, query, id, allowed)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}

	if result.RowsAffected() == 0 {
		if _, err := r.GetBatch(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("batch %s: %w", id, ErrStatusConflict)
	}

	r.logger.Info("batch deleted", zap.String("batch_id", id.String()))
	return nil
}

// ListLineItems returns the items of a batch in the order they were staged.
// seq comes from a sequence that COPY advances row by row.
func (r *Repository) ListLineItems(ctx context.Context, batchID uuid.UUID) ([]*LineItem, error) {
	query := `
		SELECT id, lote_id, fatura_id, cliente_id, COALESCE(telefone, ''),
			mensagem_gerada, status_envio, tentativas, erro_mensagem, enviado_at
		FROM itens_lote
		WHERE lote_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()

	var items []*LineItem
	for rows.Next() {
		var it LineItem
		err := rows.Scan(
			&it.ID,
			&it.BatchID,
			&it.InvoiceID,
			&it.CustomerID,
			&it.Phone,
			&it.GeneratedMessage,
			&it.SendStatus,
			&it.Attempts,
			&it.ErrorMessage,
			&it.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		items = append(items, &it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// UpdateLineItemMessage stores a generated or edited message on an item
func (r *Repository) UpdateLineItemMessage(ctx context.Context, id uuid.UUID, message string) error {
	query := `UPDATE itens_lote SET mensagem_gerada = $2 WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, message)
	if err != nil {
		return fmt.Errorf("update line item message: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("line item %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimLineItem moves an item from pending to sending. It returns false when
// a concurrent run claimed it first.
func (r *Repository) ClaimLineItem(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE itens_lote
		SET status_envio = 'sending', tentativas = tentativas + 1
		WHERE id = $1 AND status_envio = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim line item: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordDispatch closes a claimed line item, appends its history row and
// bumps the batch counters in one transaction. total_enviados always equals
// total_sucesso + total_falha. It fails with ErrStatusConflict when the item
// is no longer in sending.
func (r *Repository) RecordDispatch(ctx context.Context, o *DispatchOutcome) error {
	success, failure := 0, 1
	if o.Delivered() {
		success, failure = 1, 0
	}

	return r.db.InTx(ctx, func(tx pgx.Tx) error {
		item := `
			UPDATE itens_lote
			SET status_envio = $2, erro_mensagem = $3, enviado_at = $4
			WHERE id = $1 AND status_envio = 'sending'
		`
		result, err := tx.Exec(ctx, item, o.ItemID, o.Status, o.ErrorMessage, o.SentAt)
		if err != nil {
			return fmt.Errorf("complete line item: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("line item %s: %w", o.ItemID, ErrStatusConflict)
		}

		if err := insertHistory(ctx, tx, o.History); err != nil {
			return err
		}

		counters := `
			UPDATE lotes_cobranca
			SET total_sucesso = total_sucesso + $2,
				total_falha = total_falha + $3,
				total_enviados = total_enviados + 1
			WHERE id = $1
		`
		result, err = tx.Exec(ctx, counters, o.BatchID, success, failure)
		if err != nil {
			return fmt.Errorf("update batch counters: %w", err)
		}
		if result.RowsAffected() == 0 {
			return fmt.Errorf("batch %s: %w", o.BatchID, ErrNotFound)
		}
		return nil
	})
}
