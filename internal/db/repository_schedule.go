package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ListActiveSchedules returns every active schedule configuration
func (r *Repository) ListActiveSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	query := `
		SELECT id, COALESCE(cron_expression, ''), COALESCE(hora, ''), COALESCE(dias_semana, '{}'),
			dias_atraso_minimo, incluir_atrasados, incluir_pendentes,
			COALESCE(filtro_numero_fatura, '{}'), intervalo_envio_segundos, ativo,
			ultima_execucao, proxima_execucao
		FROM configuracoes_cobranca
		WHERE ativo = true
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var configs []*ScheduleConfig
	for rows.Next() {
		var (
			c         ScheduleConfig
			weekdays  []int32
			sequences []int32
		)
		err := rows.Scan(
			&c.ID,
			&c.CronExpression,
			&c.Hour,
			&weekdays,
			&c.MinAgeDays,
			&c.IncludeOverdue,
			&c.IncludePending,
			&sequences,
			&c.SendIntervalSeconds,
			&c.Active,
			&c.LastRunAt,
			&c.NextRunAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		c.Weekdays = toInts(weekdays)
		c.InvoiceSequences = toInts(sequences)
		configs = append(configs, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return configs, nil
}

// MarkScheduleRun stamps ultima_execucao on a configuration
func (r *Repository) MarkScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE configuracoes_cobranca SET ultima_execucao = $2 WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

func toInts(in []int32) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}
