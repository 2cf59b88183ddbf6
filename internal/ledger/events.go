package ledger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trust-ledger/pkg/audit"
)

// EventType names something the ledger did.
type EventType string

const (
	EventAccountCreated       EventType = "account.created"
	EventAccountUpdated       EventType = "account.updated"
	EventAccountDeactivated   EventType = "account.deactivated"
	EventAccountReactivated   EventType = "account.reactivated"
	EventTransactionRecorded  EventType = "transaction.recorded"
	EventTransferRecorded     EventType = "transfer.recorded"
	EventReconciled           EventType = "reconciliation.completed"
	EventStatementRecorded    EventType = "statement.recorded"
	EventBalanceMismatch      EventType = "integrity.balance_mismatch"
	EventIntegrityHoldCleared EventType = "integrity.hold_cleared"
	EventProjectionRebuilt    EventType = "projection.rebuilt"
)

// Event is an append-only record of a ledger state change.
type Event struct {
	Type           EventType         `json:"type"`
	AccountID      string            `json:"account_id"`
	TransactionIDs []string          `json:"transaction_ids,omitempty"`
	Actor          string            `json:"actor,omitempty"`
	Detail         map[string]string `json:"detail,omitempty"`
	At             time.Time         `json:"at"`
}

// EventSink consumes ledger events. Emit happens after the state change
// committed; a failing sink never rolls the change back.
type EventSink interface {
	Emit(ctx context.Context, e Event) error
}

type nopSink struct{}

func (nopSink) Emit(context.Context, Event) error { return nil }

// AuditSink appends events to a hash-chained audit log.
type AuditSink struct {
	Chain *audit.ChainLogger
}

func NewAuditSink(chain *audit.ChainLogger) *AuditSink {
	return &AuditSink{Chain: chain}
}

func (s *AuditSink) Emit(_ context.Context, e Event) error {
	_, err := s.Chain.AppendJSON(e)
	return err
}

// MemorySink records events in order. Useful in tests and for embedding.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Emit(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of everything emitted so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType filters the recorded events.
func (s *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// emitter stamps and forwards events, logging sink failures.
type emitter struct {
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

func (em emitter) emit(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = em.now()
	}
	if err := em.sink.Emit(ctx, e); err != nil {
		em.logger.Error("failed to emit ledger event",
			"type", string(e.Type),
			"account_id", e.AccountID,
			"error", err,
		)
	}
}
