package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/studio-queue/internal/events"
)

// CreditAccountant is the credit collaborator consulted before enqueueing a
// type whose policy requires credits.
type CreditAccountant interface {
	// Reserve debits the account for one task. It returns an error wrapping
	// ErrInsufficientCredits when the balance does not cover the cost.
	Reserve(ctx context.Context, accountID, taskID, taskType string) error

	// Refund reverses a reservation. Refunding an unknown task is a no-op.
	Refund(ctx context.Context, accountID, taskID string) error
}

// UnlimitedCredits accepts every reservation.
type UnlimitedCredits struct{}

// Reserve implements CreditAccountant.
func (UnlimitedCredits) Reserve(context.Context, string, string, string) error { return nil }

// Refund implements CreditAccountant.
func (UnlimitedCredits) Refund(context.Context, string, string) error { return nil }

// CreditLedger is an in-memory CreditAccountant with a fixed cost per task type.
type CreditLedger struct {
	mu          sync.Mutex
	costs       map[string]int
	balances    map[string]int
	reservation map[string]int
}

// NewCreditLedger creates a ledger charging costs[taskType] per task. Types
// without a cost are charged one credit.
func NewCreditLedger(costs map[string]int) *CreditLedger {
	return &CreditLedger{
		costs:       costs,
		balances:    make(map[string]int),
		reservation: make(map[string]int),
	}
}

// Deposit adds credits to an account.
func (l *CreditLedger) Deposit(accountID string, amount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += amount
}

// Balance returns the remaining credits of an account.
func (l *CreditLedger) Balance(accountID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID]
}

// Reserve implements CreditAccountant.
func (l *CreditLedger) Reserve(_ context.Context, accountID, taskID, taskType string) error {
	cost, ok := l.costs[taskType]
	if !ok {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.reservation[taskID]; held {
		return nil
	}
	if l.balances[accountID] < cost {
		return fmt.Errorf("%w: %s needs %d, has %d", ErrInsufficientCredits, taskType, cost, l.balances[accountID])
	}
	l.balances[accountID] -= cost
	l.reservation[taskID] = cost
	return nil
}

// Refund implements CreditAccountant.
func (l *CreditLedger) Refund(_ context.Context, accountID, taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cost, ok := l.reservation[taskID]
	if !ok {
		return nil
	}
	delete(l.reservation, taskID)
	l.balances[accountID] += cost
	return nil
}

// CreditRefundHandler refunds credit-metered tasks that end failed or
// cancelled.
type CreditRefundHandler struct {
	credits  CreditAccountant
	registry *Registry
	logger   *slog.Logger
}

// Ensure CreditRefundHandler implements events.EventHandler
var _ events.EventHandler = (*CreditRefundHandler)(nil)

// NewCreditRefundHandler creates a refund handler.
func NewCreditRefundHandler(credits CreditAccountant, registry *Registry, logger *slog.Logger) *CreditRefundHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CreditRefundHandler{
		credits:  credits,
		registry: registry,
		logger:   logger.With(slog.String("component", "credit_refund_handler")),
	}
}

// HandleEvent implements events.EventHandler.
func (h *CreditRefundHandler) HandleEvent(ctx context.Context, event *events.LifecycleEvent) error {
	if event.Type != events.TypeFailed && event.Type != events.TypeCancelled {
		return nil
	}
	policy, ok := h.registry.Policy(event.TaskType)
	if !ok || !policy.RequiresCredits {
		return nil
	}
	if err := h.credits.Refund(ctx, event.AccountID, event.TaskID); err != nil {
		return fmt.Errorf("failed to refund task %s: %w", event.TaskID, err)
	}
	h.logger.Info("credits refunded",
		slog.String("task_id", event.TaskID),
		slog.String("account_id", event.AccountID),
		slog.String("reason", event.Type))
	return nil
}
