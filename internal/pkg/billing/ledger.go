package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/agentbilling/app/models"
	"github.com/ManuelReschke/agentbilling/app/repository"
	"github.com/ManuelReschke/agentbilling/internal/pkg/metrics"
)

// CreditBalance is the prepaid overflow balance of an account.
type CreditBalance struct {
	AccountID      string `json:"account_id"`
	Balance        Money  `json:"balance"`
	TotalPurchased Money  `json:"total_purchased"`
	TotalUsed      Money  `json:"total_used"`
}

// PurchaseRef links a top-up to the purchase row it completes.
type PurchaseRef struct {
	PurchaseID string
	PaymentRef string
}

// DebitContext annotates a credit debit in the usage journal.
type DebitContext struct {
	ThreadID   string
	UsageLogID string
}

// CreditLedger is the only writer of credit balances. Every mutation is a
// single conditional statement in the repository, so the balance never goes
// negative and a purchase is applied at most once.
type CreditLedger struct {
	repo repository.CreditRepository
}

func NewCreditLedger(repo repository.CreditRepository) *CreditLedger {
	return &CreditLedger{repo: repo}
}

// GetBalance returns the balance; accounts that never purchased have zero.
func (l *CreditLedger) GetBalance(_ context.Context, accountID string) (CreditBalance, error) {
	b, err := l.repo.GetBalance(accountID)
	if err != nil {
		if repository.IsNotFound(err) {
			return CreditBalance{AccountID: accountID}, nil
		}
		return CreditBalance{}, err
	}
	return CreditBalance{
		AccountID:      accountID,
		Balance:        Money(b.BalanceMicros),
		TotalPurchased: Money(b.TotalPurchasedMicros),
		TotalUsed:      Money(b.TotalUsedMicros),
	}, nil
}

// AddCredits applies a completed purchase. A purchase that is no longer
// pending returns ErrPurchaseAlreadyApplied and leaves the balance untouched.
func (l *CreditLedger) AddCredits(_ context.Context, accountID string, amount Money, ref PurchaseRef) (Money, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	balance, err := l.repo.Credit(accountID, int64(amount), ref.PurchaseID, ref.PaymentRef)
	if err != nil {
		if errors.Is(err, repository.ErrPurchaseNotPending) {
			metrics.CreditTopUps.WithLabelValues("duplicate").Inc()
			return 0, ErrPurchaseAlreadyApplied
		}
		return 0, err
	}
	metrics.CreditTopUps.WithLabelValues(models.CreditPurchaseStatusCompleted).Inc()
	log.Infof("[CreditLedger] Added %s to %s (purchase %s), balance %s", amount, accountID, ref.PurchaseID, Money(balance))
	return Money(balance), nil
}

// UseCredits debits amount if and only if the balance covers it. It returns
// false, with no side effects, when funds are insufficient.
func (l *CreditLedger) UseCredits(_ context.Context, accountID string, amount Money, description string, dc DebitContext) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	usage := &models.CreditUsage{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		AmountMicros: int64(amount),
		Description:  truncate(strings.TrimSpace(description), 255),
	}
	if dc.ThreadID != "" {
		thread := dc.ThreadID
		usage.ThreadID = &thread
	}
	if dc.UsageLogID != "" {
		id := dc.UsageLogID
		usage.UsageLogID = &id
	}

	ok, err := l.repo.Debit(accountID, int64(amount), usage)
	if err != nil {
		metrics.CreditDebits.WithLabelValues("error").Inc()
		return false, err
	}
	if !ok {
		metrics.CreditDebits.WithLabelValues("insufficient").Inc()
		log.Warnf("[CreditLedger] Insufficient credits for %s: needed %s", accountID, amount)
		return false, nil
	}
	metrics.CreditDebits.WithLabelValues("applied").Inc()
	return true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
