package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rental-ops/internal/ledger"
	"rental-ops/internal/models"
)

type staticAccounts struct {
	account models.BankAccount
	found   bool
	err     error
}

func (s staticAccounts) ActiveAccount(context.Context, string) (models.BankAccount, bool, error) {
	return s.account, s.found, s.err
}

type fakeSource struct {
	txs       []ledger.Transaction
	err       error
	gotLimit  int
	gotAcct   string
	callCount int
}

func (f *fakeSource) ListTransactions(_ context.Context, account string, limit int) ([]ledger.Transaction, error) {
	f.callCount++
	f.gotAcct = account
	f.gotLimit = limit
	return f.txs, f.err
}

var activeAccount = staticAccounts{
	account: models.BankAccount{BankCode: "VCB", AccountNumber: "0071000888888", Active: true},
	found:   true,
}

func tx(id, content, amount, date string) ledger.Transaction {
	return ledger.Transaction{
		ID:              id,
		BankBrandName:   "Vietcombank",
		AccountNumber:   "0071000888888",
		TransactionDate: date,
		AmountIn:        amount,
		Content:         content,
	}
}

func TestVerifyAcceptsOverpayment(t *testing.T) {
	src := &fakeSource{txs: []ledger.Transaction{
		tx("1", "CHUYEN KHOAN HD123 THANG 1", "600000.00", "2026-01-05 10:00:00"),
	}}
	m := NewMatcher(activeAccount, src, Options{})

	res := m.Verify(context.Background(), ExpectedPayment{SubjectID: "c-1", Reference: "HD123", Amount: 500000})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, ReasonMatched, res.Reason)
	assert.Equal(t, "1", res.TransactionID)
	assert.Equal(t, 600000.0, res.MatchedAmount)
	require.NotNil(t, res.TransactionDate)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "Vietcombank", res.Metadata.BankCode)
	assert.Equal(t, "0071000888888", res.Metadata.AccountNumber)
	assert.Equal(t, "CHUYEN KHOAN HD123 THANG 1", res.Metadata.Narrative)

	assert.Equal(t, 50, src.gotLimit)
	assert.Equal(t, "0071000888888", src.gotAcct)
}

func TestVerifyRejectsUnderpayment(t *testing.T) {
	src := &fakeSource{txs: []ledger.Transaction{
		tx("1", "CHUYEN KHOAN HD123 THANG 1", "400000.00", "2026-01-05 10:00:00"),
	}}
	res := NewMatcher(activeAccount, src, Options{}).
		Verify(context.Background(), ExpectedPayment{Reference: "HD123", Amount: 500000})

	assert.False(t, res.Success)
	assert.Equal(t, ReasonNoMatch, res.Reason)
	assert.True(t, errors.Is(res.Err, ErrNoMatch))
	assert.Equal(t, 1, res.Scanned)
}

func TestVerifyNormalizesReferenceAndNarrative(t *testing.T) {
	src := &fakeSource{txs: []ledger.Transaction{
		tx("7", "ck hd-123 / thang 2", "500000", "2026-02-01 08:00:00"),
	}}
	res := NewMatcher(activeAccount, src, Options{}).
		Verify(context.Background(), ExpectedPayment{Reference: "hd 123", Amount: 500000})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "7", res.TransactionID)
}

func TestVerifyDistinguishesNoTransactionsFromNoMatch(t *testing.T) {
	ctx := context.Background()

	empty := NewMatcher(activeAccount, &fakeSource{}, Options{}).
		Verify(ctx, ExpectedPayment{Reference: "HD123", Amount: 1})
	assert.False(t, empty.Success)
	assert.Equal(t, ReasonNoTransactions, empty.Reason)
	assert.ErrorIs(t, empty.Err, ErrNoTransactions)

	none := NewMatcher(activeAccount, &fakeSource{txs: []ledger.Transaction{
		tx("1", "TIEN DIEN", "900000", "2026-01-05 10:00:00"),
	}}, Options{}).Verify(ctx, ExpectedPayment{Reference: "HD123", Amount: 1})
	assert.False(t, none.Success)
	assert.Equal(t, ReasonNoMatch, none.Reason)
	assert.ErrorIs(t, none.Err, ErrNoMatch)

	assert.NotEqual(t, empty.Reason, none.Reason)
}

func TestVerifyConfigurationAndInputFailures(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}

	noAccount := NewMatcher(staticAccounts{}, src, Options{}).
		Verify(ctx, ExpectedPayment{Reference: "HD123", Amount: 1})
	assert.Equal(t, ReasonNoAccount, noAccount.Reason)
	assert.ErrorIs(t, noAccount.Err, ErrNoAccount)
	assert.False(t, noAccount.Retryable())

	inactive := staticAccounts{account: models.BankAccount{AccountNumber: "1", Active: false}, found: true}
	assert.Equal(t, ReasonNoAccount, NewMatcher(inactive, src, Options{}).
		Verify(ctx, ExpectedPayment{Reference: "HD123"}).Reason)

	lookup := NewMatcher(staticAccounts{err: errors.New("db down")}, src, Options{}).
		Verify(ctx, ExpectedPayment{Reference: "HD123"})
	assert.Equal(t, ReasonLookupFailed, lookup.Reason)
	assert.True(t, lookup.Retryable())

	missingRef := NewMatcher(activeAccount, src, Options{}).
		Verify(ctx, ExpectedPayment{Reference: " -- ", Amount: 1})
	assert.Equal(t, ReasonMissingReference, missingRef.Reason)
	assert.ErrorIs(t, missingRef.Err, ErrMissingReference)

	assert.Equal(t, 0, src.callCount, "ledger must not be called before inputs are valid")
}

func TestVerifyLedgerErrorIsSoft(t *testing.T) {
	src := &fakeSource{err: ledger.ErrUnavailable}
	res := NewMatcher(activeAccount, src, Options{Limit: 20}).
		Verify(context.Background(), ExpectedPayment{Reference: "HD123", Amount: 1})

	assert.False(t, res.Success)
	assert.Equal(t, ReasonLedgerUnavailable, res.Reason)
	assert.ErrorIs(t, res.Err, ErrLedgerUnavailable)
	assert.True(t, res.Retryable())
	assert.Equal(t, 20, src.gotLimit)
}

func TestVerifyTieBreak(t *testing.T) {
	ctx := context.Background()

	// Exact amount wins over an earlier overpayment.
	src := &fakeSource{txs: []ledger.Transaction{
		tx("over", "HD123 lan 1", "700000", "2026-01-01 09:00:00"),
		tx("exact", "HD123 lan 2", "500000", "2026-01-03 09:00:00"),
	}}
	res := NewMatcher(activeAccount, src, Options{}).Verify(ctx, ExpectedPayment{Reference: "HD123", Amount: 500000})
	assert.Equal(t, "exact", res.TransactionID)

	// Among overpayments the earliest date wins regardless of response order.
	src = &fakeSource{txs: []ledger.Transaction{
		tx("later", "HD123", "600000", "2026-01-04 09:00:00"),
		tx("earlier", "HD123", "650000", "2026-01-02 09:00:00"),
	}}
	res = NewMatcher(activeAccount, src, Options{}).Verify(ctx, ExpectedPayment{Reference: "HD123", Amount: 500000})
	assert.Equal(t, "earlier", res.TransactionID)
}

func TestVerifySkipsExcludedTransactions(t *testing.T) {
	src := &fakeSource{txs: []ledger.Transaction{
		tx("used", "HD123", "500000", "2026-01-01 09:00:00"),
		tx("fresh", "HD123", "500000", "2026-01-02 09:00:00"),
	}}
	res := NewMatcher(activeAccount, src, Options{}).Verify(context.Background(), ExpectedPayment{
		Reference: "HD123",
		Amount:    500000,
		Exclude:   func(id string) bool { return id == "used" },
	})
	require.True(t, res.Success)
	assert.Equal(t, "fresh", res.TransactionID)
}

func TestVerifyIgnoresUnparseableAmounts(t *testing.T) {
	for _, amount := range []string{"n/a", "NaN", "nan", "Inf", "+Inf", "-Inf", "1e400"} {
		src := &fakeSource{txs: []ledger.Transaction{
			tx("bad", "HD123", amount, "2026-01-01 09:00:00"),
		}}
		res := NewMatcher(activeAccount, src, Options{}).Verify(context.Background(), ExpectedPayment{Reference: "HD123", Amount: 500000})
		assert.False(t, res.Success, amount)
		assert.Equal(t, ReasonNoMatch, res.Reason, amount)
	}
}

func TestNormalizeAndParseAmount(t *testing.T) {
	assert.Equal(t, "HD123THANG1", Normalize("hd-123 tháng 1"))
	assert.Equal(t, "", Normalize("  ---  "))

	v, ok := ParseAmount("1,250,000.50")
	require.True(t, ok)
	assert.Equal(t, 1250000.5, v)
	_, ok = ParseAmount("")
	assert.False(t, ok)
	_, ok = ParseAmount("NaN")
	assert.False(t, ok)
	_, ok = ParseAmount("Inf")
	assert.False(t, ok)
}

func TestVerifyReadsDatesInLedgerZone(t *testing.T) {
	ict := time.FixedZone("ICT", 7*60*60)
	src := &fakeSource{txs: []ledger.Transaction{
		tx("late", "HD123", "500000", "2026-01-02 06:00:00"),
		tx("early", "HD123", "500000", "2026-01-02 01:00:00"),
	}}
	res := NewMatcher(activeAccount, src, Options{Location: ict}).Verify(context.Background(), ExpectedPayment{Reference: "HD123", Amount: 500000})
	require.True(t, res.Success)
	assert.Equal(t, "early", res.TransactionID)
	require.NotNil(t, res.TransactionDate)
	assert.True(t, res.TransactionDate.Equal(time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)), res.TransactionDate.String())
}
