package collections

import (
	"errors"

	"github.com/lalithlochan/dunning/internal/db"
)

var (
	// ErrNotFound aliases the store sentinel so callers need one import
	ErrNotFound = db.ErrNotFound

	ErrInvalidTransition        = errors.New("batch status does not allow this operation")
	ErrForbidden                = errors.New("operation requires admin role")
	ErrNoActiveRules            = errors.New("no active dunning rules configured")
	ErrStatusesNotConfigured    = errors.New("open payment statuses not configured")
	ErrChannelNotConfigured     = errors.New("messaging channel not configured")
	ErrBatchLocked              = errors.New("batch is being dispatched by another worker")
	ErrMessagesAlreadyGenerated = errors.New("batch already has generated messages")
	ErrNoLineItems              = errors.New("batch has no line items")
	ErrEmptyMessage             = errors.New("message text is empty")
)
