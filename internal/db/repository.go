package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Repository handles database operations for the collections engine
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new collections repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ListPaymentStatuses returns the whole status taxonomy ordered for display
func (r *Repository) ListPaymentStatuses(ctx context.Context) ([]*PaymentStatus, error) {
	query := `
		SELECT id, nome, COALESCE(cor, ''), ordem, ativo
		FROM status_pagamento
		ORDER BY ordem ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query payment statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*PaymentStatus
	for rows.Next() {
		var s PaymentStatus
		if err := rows.Scan(&s.ID, &s.Name, &s.Color, &s.Order, &s.Active); err != nil {
			return nil, fmt.Errorf("scan payment status: %w", err)
		}
		statuses = append(statuses, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return statuses, nil
}

// ListRules returns dunning rules in priority order
func (r *Repository) ListRules(ctx context.Context, activeOnly bool) ([]*Rule, error) {
	query := `
		SELECT id, tipo, dias, ativo, ordem
		FROM regras_cobranca
		WHERE ($1 = false OR ativo = true)
		ORDER BY ordem ASC, dias ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var rule Rule
		if err := rows.Scan(&rule.ID, &rule.Direction, &rule.OffsetDays, &rule.Active, &rule.Order); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return rules, nil
}

// ListOpenInvoices loads unpaid invoices in the given statuses with their customers
func (r *Repository) ListOpenInvoices(ctx context.Context, statusIDs []uuid.UUID) ([]*OpenInvoice, error) {
	query := `
		SELECT
			f.id, f.cobranca_id, f.mes_referencia, f.data_vencimento,
			f.valor::text, f.status_id, f.data_pagamento,
			c.id, c.nome, COALESCE(c.telefone, ''), COALESCE(c.cpf_cnpj, ''), COALESCE(c.email, '')
		FROM faturas f
		JOIN cobrancas cb ON cb.id = f.cobranca_id
		JOIN clientes c ON c.id = cb.cliente_id
		WHERE f.status_id = ANY($1) AND f.data_pagamento IS NULL
		ORDER BY c.id, f.data_vencimento ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, statusIDs)
	if err != nil {
		return nil, fmt.Errorf("query open invoices: %w", err)
	}
	defer rows.Close()

	customers := make(map[uuid.UUID]*Customer)
	var result []*OpenInvoice
	for rows.Next() {
		var (
			inv    Invoice
			cust   Customer
			amount string
		)
		err := rows.Scan(
			&inv.ID,
			&inv.BillingID,
			&inv.ReferenceMonth,
			&inv.DueDate,
			&amount,
			&inv.StatusID,
			&inv.PaidAt,
			&cust.ID,
			&cust.Name,
			&cust.Phone,
			&cust.TaxID,
			&cust.Email,
		)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}

		inv.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of invoice %s: %w", inv.ID, err)
		}
		inv.CustomerID = cust.ID

		// share one customer pointer across that customer's invoices
		c, ok := customers[cust.ID]
		if !ok {
			c = &cust
			customers[cust.ID] = c
		}
		result = append(result, &OpenInvoice{Invoice: &inv, Customer: c})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return result, nil
}

// GetCustomer retrieves a customer by ID
func (r *Repository) GetCustomer(ctx context.Context, id uuid.UUID) (*Customer, error) {
	query := `
		SELECT id, nome, COALESCE(telefone, ''), COALESCE(cpf_cnpj, ''), COALESCE(email, '')
		FROM clientes
		WHERE id = $1
	`

	var c Customer
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Phone, &c.TaxID, &c.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("customer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query customer: %w", err)
	}

	return &c, nil
}

// GetInvoice loads one invoice with its customer regardless of status
func (r *Repository) GetInvoice(ctx context.Context, id uuid.UUID) (*OpenInvoice, error) {
	query := `
		SELECT
			f.id, f.cobranca_id, f.mes_referencia, f.data_vencimento,
			f.valor::text, f.status_id, f.data_pagamento,
			c.id, c.nome, COALESCE(c.telefone, ''), COALESCE(c.cpf_cnpj, ''), COALESCE(c.email, '')
		FROM faturas f
		JOIN cobrancas cb ON cb.id = f.cobranca_id
		JOIN clientes c ON c.id = cb.cliente_id
		WHERE f.id = $1
	`

	var (
		inv    Invoice
		cust   Customer
		amount string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&inv.ID,
		&inv.BillingID,
		&inv.ReferenceMonth,
		&inv.DueDate,
		&amount,
		&inv.StatusID,
		&inv.PaidAt,
		&cust.ID,
		&cust.Name,
		&cust.Phone,
		&cust.TaxID,
		&cust.Email,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query invoice: %w", err)
	}

	inv.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount of invoice %s: %w", id, err)
	}
	inv.CustomerID = cust.ID

	return &OpenInvoice{Invoice: &inv, Customer: &cust}, nil
}
