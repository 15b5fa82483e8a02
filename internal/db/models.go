package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned by conditional updates whose expected
	// status no longer matches the stored row
	ErrStatusConflict = errors.New("status changed concurrently")
)

// PaymentStatus is a row of the status_pagamento taxonomy
type PaymentStatus struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"nome"`
	Color  string    `json:"cor"`
	Order  int       `json:"ordem"`
	Active bool      `json:"ativo"`
}

// Customer is the owner of invoices and the recipient of dunning messages
type Customer struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Phone string    `json:"phone,omitempty"`
	TaxID string    `json:"tax_id,omitempty"`
	Email string    `json:"email,omitempty"`
}

// HasPhone reports whether the customer can be reached on the messaging channel
func (c *Customer) HasPhone() bool {
	return c != nil && c.Phone != ""
}

// Invoice is a row of faturas joined to its customer through the billing record
type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	BillingID      uuid.UUID       `json:"cobranca_id"`
	CustomerID     uuid.UUID       `json:"cliente_id"`
	ReferenceMonth string          `json:"mes_referencia"`
	DueDate        time.Time       `json:"data_vencimento"`
	Amount         decimal.Decimal `json:"valor"`
	StatusID       uuid.UUID       `json:"status_id"`
	PaidAt         *time.Time      `json:"data_pagamento,omitempty"`
}

// OpenInvoice pairs an invoice with its owning customer
type OpenInvoice struct {
	Invoice  *Invoice
	Customer *Customer
}

// Rule directions as stored in regras_cobranca.tipo
const (
	DirectionBeforeDue = "antes_vencimento"
	DirectionAfterDue  = "apos_vencimento"
)

// Rule is a dunning rule: fire on the exact day the invoice age equals OffsetDays
type Rule struct {
	ID         uuid.UUID `json:"id"`
	Direction  string    `json:"tipo"`
	OffsetDays int       `json:"dias"`
	Active     bool      `json:"ativo"`
	Order      int       `json:"ordem"`
}

// Validate checks that the offset sign agrees with the direction
func (r *Rule) Validate() error {
	switch r.Direction {
	case DirectionBeforeDue:
		if r.OffsetDays >= 0 {
			return errors.New("before_due rule requires a negative offset")
		}
	case DirectionAfterDue:
		if r.OffsetDays < 0 {
			return errors.New("after_due rule requires a non-negative offset")
		}
	default:
		return errors.New("unknown rule direction: " + r.Direction)
	}
	return nil
}

// QueueKind tells a per-rule queue apart from the critical queue.
// Persisted as a nullable regra_id.
type QueueKind struct {
	ruleID   uuid.UUID
	critical bool
}

// PerRule returns the queue kind of a dunning rule
func PerRule(ruleID uuid.UUID) QueueKind {
	return QueueKind{ruleID: ruleID}
}

// Critical returns the kind of the critical queue
func Critical() QueueKind {
	return QueueKind{critical: true}
}

func (k QueueKind) IsCritical() bool { return k.critical }

// RuleID returns the rule of a per-rule queue; ok is false for the critical queue
func (k QueueKind) RuleID() (id uuid.UUID, ok bool) {
	if k.critical {
		return uuid.Nil, false
	}
	return k.ruleID, true
}

// NullableRuleID is the column value for regra_id
func (k QueueKind) NullableRuleID() *uuid.UUID {
	if k.critical {
		return nil
	}
	id := k.ruleID
	return &id
}

func (k QueueKind) String() string {
	if k.critical {
		return "critical"
	}
	return "rule:" + k.ruleID.String()
}

// QueueKindFromColumn rebuilds a kind from a nullable regra_id
func QueueKindFromColumn(ruleID *uuid.UUID) QueueKind {
	if ruleID == nil {
		return Critical()
	}
	return PerRule(*ruleID)
}

// Queue entry status constants
const (
	QueueStatusPending    = "pending"
	QueueStatusProcessing = "processing"
	QueueStatusSent       = "sent"
	QueueStatusFailed     = "failed"
)

// QueueEntry is a row of filas_cobranca
type QueueEntry struct {
	ID           uuid.UUID  `json:"id"`
	Kind         QueueKind  `json:"-"`
	InvoiceID    uuid.UUID  `json:"fatura_id"`
	CustomerID   uuid.UUID  `json:"cliente_id"`
	Status       string     `json:"status"`
	Attempts     int        `json:"tentativas"`
	ErrorMessage *string    `json:"erro_mensagem,omitempty"`
	SentAt       *time.Time `json:"enviado_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Batch status constants
const (
	BatchStatusDraft            = "draft"
	BatchStatusAwaitingApproval = "awaiting_approval"
	BatchStatusApproved         = "approved"
	BatchStatusInProgress       = "in_progress"
	BatchStatusCompleted        = "completed"
	BatchStatusCancelled        = "cancelled"
)

// Batch is a row of lotes_cobranca
type Batch struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"nome"`
	Status        string     `json:"status"`
	TotalInvoices int        `json:"total_faturas"`
	TotalSent     int        `json:"total_enviados"`
	TotalSuccess  int        `json:"total_sucesso"`
	TotalFailure  int        `json:"total_falha"`
	ApprovedBy    *string    `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Editable reports whether line items and the batch itself may still change
func (b *Batch) Editable() bool {
	return b.Status == BatchStatusDraft || b.Status == BatchStatusAwaitingApproval
}

// BatchPatch carries the optional columns stamped by a status transition
type BatchPatch struct {
	ApprovedBy *string
	ApprovedAt *time.Time
}

// Line item send status constants
const (
	SendStatusPending = "pending"
	SendStatusSending = "sending"
	SendStatusSent    = "sent"
	SendStatusFailed  = "failed"
)

// LineItem is a row of itens_lote
type LineItem struct {
	ID               uuid.UUID  `json:"id"`
	BatchID          uuid.UUID  `json:"lote_id"`
	InvoiceID        uuid.UUID  `json:"fatura_id"`
	CustomerID       uuid.UUID  `json:"cliente_id"`
	Phone            string     `json:"telefone"`
	GeneratedMessage *string    `json:"mensagem_gerada,omitempty"`
	SendStatus       string     `json:"status_envio"`
	Attempts         int        `json:"tentativas"`
	ErrorMessage     *string    `json:"erro_mensagem,omitempty"`
	SentAt           *time.Time `json:"enviado_at,omitempty"`
}

// HasMessage reports whether a non-empty message was generated for the item
func (li *LineItem) HasMessage() bool {
	return li.GeneratedMessage != nil && *li.GeneratedMessage != ""
}

// DispatchOutcome is everything a batch run writes after attempting one
// claimed line item. It lands all at once or not at all.
type DispatchOutcome struct {
	ItemID       uuid.UUID
	BatchID      uuid.UUID
	Status       string // SendStatusSent or SendStatusFailed
	ErrorMessage *string
	SentAt       *time.Time
	History      *HistoryRecord
}

// Delivered reports whether the outcome counts toward total_sucesso
func (o *DispatchOutcome) Delivered() bool {
	return o.Status == SendStatusSent
}

// History outcome constants
const (
	OutcomeSent   = "sent"
	OutcomeFailed = "failed"
)

// HistoryRecord is an append-only row of historico_cobranca
type HistoryRecord struct {
	ID              uuid.UUID       `json:"id"`
	InvoiceID       uuid.UUID       `json:"fatura_id"`
	RuleID          *uuid.UUID      `json:"regra_id,omitempty"`
	CustomerID      uuid.UUID       `json:"cliente_id"`
	BatchID         *uuid.UUID      `json:"lote_id,omitempty"`
	IsCriticalQueue bool            `json:"is_fila_critica"`
	Outcome         string          `json:"resultado"`
	MessageText     *string         `json:"mensagem,omitempty"`
	Channel         string          `json:"canal"`
	RawResponse     json.RawMessage `json:"resposta,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ScheduleConfig is a row of configuracoes_cobranca
type ScheduleConfig struct {
	ID                  uuid.UUID  `json:"id"`
	CronExpression      string     `json:"cron_expression"`
	Hour                string     `json:"hora"`
	Weekdays            []int      `json:"dias_semana"`
	MinAgeDays          int        `json:"dias_atraso_minimo"`
	IncludeOverdue      bool       `json:"incluir_atrasados"`
	IncludePending      bool       `json:"incluir_pendentes"`
	InvoiceSequences    []int      `json:"filtro_numero_fatura"`
	SendIntervalSeconds int        `json:"intervalo_envio_segundos"`
	Active              bool       `json:"ativo"`
	LastRunAt           *time.Time `json:"ultima_execucao,omitempty"`
	NextRunAt           *time.Time `json:"proxima_execucao,omitempty"`
}
