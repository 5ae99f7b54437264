// Package reconcile decides whether an expected payment has arrived by
// scanning a window of recent bank transactions. There is no webhook; callers
// poll Verify on demand or on a schedule.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"rental-ops/internal/ledger"
	"rental-ops/internal/models"
	"rental-ops/internal/telemetry"
)

// Failure causes. Each one is reported on Result.Err and is distinct so callers
// can tell "not received yet" apart from "cannot check right now".
var (
	ErrNoAccount         = errors.New("no active receiving account configured")
	ErrMissingReference  = errors.New("expected payment has no reference")
	ErrLedgerUnavailable = errors.New("transaction source unavailable")
	ErrNoTransactions    = errors.New("no transactions returned")
	ErrNoMatch           = errors.New("no matching transaction")
)

// Reason is the machine readable form of a result.
type Reason string

const (
	ReasonMatched           Reason = "matched"
	ReasonNoAccount         Reason = "no_account"
	ReasonMissingReference  Reason = "missing_reference"
	ReasonLedgerUnavailable Reason = "ledger_unavailable"
	ReasonNoTransactions    Reason = "no_transactions"
	ReasonNoMatch           Reason = "no_match"
	ReasonLookupFailed      Reason = "lookup_failed"
)

// AccountResolver finds the receiving account payments for a subject land in.
// found is false when no active account is configured.
type AccountResolver interface {
	ActiveAccount(ctx context.Context, subjectID string) (account models.BankAccount, found bool, err error)
}

// TransactionSource lists recent transactions for an account.
type TransactionSource interface {
	ListTransactions(ctx context.Context, accountNumber string, limit int) ([]ledger.Transaction, error)
}

// ExpectedPayment describes what the subject should have received.
type ExpectedPayment struct {
	SubjectID string
	Reference string
	// Amount is a floor: any credit at or above it satisfies the payment.
	Amount float64
	// Exclude skips transactions already consumed by another payment.
	Exclude func(transactionID string) bool
}

// TransactionMetadata carries bank details of the matched transaction.
type TransactionMetadata struct {
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	Narrative     string `json:"narrative"`
}

// Result is the outcome of one verification. It is never persisted here.
type Result struct {
	Success         bool                 `json:"success"`
	Reason          Reason               `json:"reason"`
	TransactionID   string               `json:"transactionId,omitempty"`
	TransactionDate *time.Time           `json:"transactionDate,omitempty"`
	MatchedAmount   float64              `json:"matchedAmount,omitempty"`
	Metadata        *TransactionMetadata `json:"metadata,omitempty"`
	Error           string               `json:"error,omitempty"`
	Scanned         int                  `json:"scanned"`

	Err error `json:"-"`
}

// Retryable reports whether checking again later may give a different answer.
func (r Result) Retryable() bool {
	switch r.Reason {
	case ReasonLedgerUnavailable, ReasonNoTransactions, ReasonNoMatch, ReasonLookupFailed:
		return true
	}
	return false
}

// Options for Matcher.
type Options struct {
	// Limit is how many recent transactions are fetched. Defaults to 50.
	Limit int
	// Location is the timezone the ledger reports dates in.
	Location *time.Location
	Logger   *slog.Logger
}

// Matcher runs the reconciliation algorithm. It never retries; that is left
// to whoever calls Verify.
type Matcher struct {
	accounts AccountResolver
	source   TransactionSource
	limit    int
	loc      *time.Location
	logger   *slog.Logger
}

func NewMatcher(accounts AccountResolver, source TransactionSource, opts Options) *Matcher {
	m := &Matcher{
		accounts: accounts,
		source:   source,
		limit:    opts.Limit,
		loc:      opts.Location,
		logger:   opts.Logger,
	}
	if m.limit <= 0 {
		m.limit = ledger.DefaultLimit
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

type candidate struct {
	tx     ledger.Transaction
	amount float64
	date   time.Time
	dated  bool
	order  int
}

// Verify checks whether exp has been paid.
//
// A transaction matches when its normalized narrative contains the normalized
// reference and its credited amount is at least exp.Amount. When several
// match, an exact amount beats an overpayment, then the earliest transaction
// date wins, then the order the ledger returned them in.
func (m *Matcher) Verify(ctx context.Context, exp ExpectedPayment) Result {
	res := m.verify(ctx, exp)
	telemetry.ReconcileOutcomes.WithLabelValues(string(res.Reason)).Inc()
	attrs := []any{"subject_id", exp.SubjectID, "reason", res.Reason, "scanned", res.Scanned}
	if res.Success {
		m.logger.Info("payment matched", append(attrs, "transaction_id", res.TransactionID, "amount", res.MatchedAmount)...)
	} else {
		m.logger.Info("payment not matched", append(attrs, "error", res.Error)...)
	}
	return res
}

func (m *Matcher) verify(ctx context.Context, exp ExpectedPayment) Result {
	account, found, err := m.accounts.ActiveAccount(ctx, exp.SubjectID)
	if err != nil {
		return failure(ReasonLookupFailed, fmt.Errorf("resolve receiving account: %w", err))
	}
	if !found || !account.Active || account.AccountNumber == "" {
		return failure(ReasonNoAccount, ErrNoAccount)
	}

	reference := Normalize(exp.Reference)
	if reference == "" {
		return failure(ReasonMissingReference, ErrMissingReference)
	}

	txs, err := m.source.ListTransactions(ctx, account.AccountNumber, m.limit)
	if err != nil {
		return failure(ReasonLedgerUnavailable, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err))
	}
	if len(txs) == 0 {
		return failure(ReasonNoTransactions, ErrNoTransactions)
	}

	var matches []candidate
	for i, tx := range txs {
		if exp.Exclude != nil && exp.Exclude(tx.ID) {
			continue
		}
		if !strings.Contains(Normalize(tx.Content), reference) {
			continue
		}
		amount, ok := ParseAmount(tx.AmountIn)
		if !ok || amount < exp.Amount {
			continue
		}
		date, dated := tx.Date(m.loc)
		matches = append(matches, candidate{tx: tx, amount: amount, date: date, dated: dated, order: i})
	}
	if len(matches) == 0 {
		res := failure(ReasonNoMatch, fmt.Errorf("%w: reference %s, amount >= %.2f", ErrNoMatch, reference, exp.Amount))
		res.Scanned = len(txs)
		return res
	}

	best := pick(matches, exp.Amount)
	res := Result{
		Success:       true,
		Reason:        ReasonMatched,
		TransactionID: best.tx.ID,
		MatchedAmount: best.amount,
		Scanned:       len(txs),
		Metadata: &TransactionMetadata{
			BankCode:      best.tx.BankBrandName,
			AccountNumber: best.tx.AccountNumber,
			Narrative:     best.tx.Content,
		},
	}
	if best.dated {
		d := best.date
		res.TransactionDate = &d
	}
	return res
}

func pick(matches []candidate, expected float64) candidate {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		aExact, bExact := sameAmount(a.amount, expected), sameAmount(b.amount, expected)
		if aExact != bExact {
			return aExact
		}
		if a.dated && b.dated && !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		if a.dated != b.dated {
			return a.dated
		}
		return a.order < b.order
	})
	return matches[0]
}

func sameAmount(a, b float64) bool {
	d := a - b
	return d > -0.005 && d < 0.005
}

func failure(reason Reason, err error) Result {
	return Result{Success: false, Reason: reason, Error: err.Error(), Err: err}
}

// Normalize keeps ASCII letters and digits, upper-cased.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseAmount reads a decimal amount such as "600000.00" or "600,000".
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
