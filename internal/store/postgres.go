package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"rental-ops/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrIdempotencyConflict means the key was already used for a different action.
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different action")
	// ErrTransactionConsumed means a bank transaction is already recorded as a payment.
	ErrTransactionConsumed = errors.New("transaction already recorded")
	// ErrStatusConflict means the contract was not in the status the update expected.
	ErrStatusConflict = errors.New("contract status changed")
)

const pgErrCodeUniqueViolation = "23505"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const contractColumns = `id, code, tenant_name, property_address, status, monthly_rent, deposit,
	payment_reference, expected_amount, template_name, start_date, end_date, updated_at`

func scanContract(row pgx.Row) (models.Contract, error) {
	var c models.Contract
	var status string
	err := row.Scan(&c.ID, &c.Code, &c.TenantName, &c.PropertyAddress, &status, &c.MonthlyRent, &c.Deposit,
		&c.PaymentReference, &c.ExpectedAmount, &c.TemplateName, &c.StartDate, &c.EndDate, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Contract{}, ErrNotFound
	}
	if err != nil {
		return models.Contract{}, fmt.Errorf("scan contract: %w", err)
	}
	c.Status = models.ContractStatus(status)
	return c, nil
}

// GetContract fetches a contract by id.
func (s *Store) GetContract(ctx context.Context, id string) (models.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		return models.Contract{}, fmt.Errorf("contract %s: %w", id, err)
	}
	return c, nil
}

// UpdateContractStatus moves a contract from one status to another. It fails
// with ErrStatusConflict when the contract is not currently in from.
func (s *Store) UpdateContractStatus(ctx context.Context, id string, from, to models.ContractStatus) (models.Contract, error) {
	c, err := scanContract(s.pool.QueryRow(ctx, `
		UPDATE contracts SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+contractColumns, id, string(from), string(to)))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Contract{}, err
	}
	current, err := s.GetContract(ctx, id)
	if err != nil {
		return models.Contract{}, err
	}
	return current, fmt.Errorf("%w: contract %s is %s, expected %s", ErrStatusConflict, id, current.Status, from)
}

// ActiveAccount returns the receiving account for a contract: the one assigned
// to it when that is active, otherwise the most recently updated active account.
func (s *Store) ActiveAccount(ctx context.Context, contractID string) (models.BankAccount, bool, error) {
	var a models.BankAccount
	err := s.pool.QueryRow(ctx, `
		SELECT b.id, b.bank_code, b.account_number, b.account_name, b.is_active
		FROM bank_accounts b
		LEFT JOIN contracts c ON c.bank_account_id = b.id AND c.id = $1
		WHERE b.is_active
		ORDER BY (c.id IS NOT NULL) DESC, b.updated_at DESC
		LIMIT 1
	`, contractID).Scan(&a.ID, &a.BankCode, &a.AccountNumber, &a.AccountName, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.BankAccount{}, false, nil
	}
	if err != nil {
		return models.BankAccount{}, false, fmt.Errorf("query active account: %w", err)
	}
	return a, true, nil
}

// RecordPayment stores a reconciled transaction. A transaction can back only
// one payment; a second attempt returns ErrTransactionConsumed.
func (s *Store) RecordPayment(ctx context.Context, p models.Payment) (models.Payment, error) {
	var paidAt *time.Time
	if !p.PaidAt.IsZero() {
		paidAt = &p.PaidAt
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payments (contract_id, transaction_id, amount, paid_at, bank_code, account_number, narrative)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING recorded_at
	`, p.ContractID, p.TransactionID, p.Amount, paidAt, p.BankCode, p.AccountNumber, p.Narrative).Scan(&p.RecordedAt)
	if isUniqueViolation(err) {
		return models.Payment{}, fmt.Errorf("%w: %s", ErrTransactionConsumed, p.TransactionID)
	}
	if err != nil {
		return models.Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return p, nil
}

// ConsumedTransactionIDs maps transaction ids recorded as payments since the
// given time to the contract that consumed them.
func (s *Store) ConsumedTransactionIDs(ctx context.Context, since time.Time) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT transaction_id, contract_id FROM payments WHERE recorded_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("query consumed transactions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var txID, contractID string
		if err := rows.Scan(&txID, &contractID); err != nil {
			return nil, fmt.Errorf("scan consumed transaction: %w", err)
		}
		out[txID] = contractID
	}
	return out, rows.Err()
}

// IdempotencyRecord is the server-side state of one Idempotency-Key.
type IdempotencyRecord struct {
	Key          string
	Action       string
	Completed    bool
	ResponseCode int
	ResponseBody json.RawMessage
	ExpiresAt    time.Time
}

// ClaimIdempotencyKey reserves key for action. claimed is true when the
// caller now owns the key and should perform the mutation; otherwise the
// existing record is returned so the caller can replay or reject. Expired
// keys are reclaimed.
func (s *Store) ClaimIdempotencyKey(ctx context.Context, key, action string, ttl time.Duration) (IdempotencyRecord, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= NOW()`, key); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("purge expired key: %w", err)
	}
	expires := time.Now().UTC().Add(ttl)
	tag, err := tx.Exec(ctx, `
		INSERT INTO idempotency_keys (key, action, status, expires_at)
		VALUES ($1, $2, 'in_progress', $3)
		ON CONFLICT (key) DO NOTHING
	`, key, action, expires)
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("insert idempotency key: %w", err)
	}
	claimed := tag.RowsAffected() == 1

	rec, err := getIdempotency(ctx, tx, key)
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("commit: %w", err)
	}
	if !claimed && rec.Action != action {
		return rec, false, fmt.Errorf("%w: key bound to %s", ErrIdempotencyConflict, rec.Action)
	}
	return rec, claimed, nil
}

// SaveIdempotencyResponse marks key completed with the response to replay.
func (s *Store) SaveIdempotencyResponse(ctx context.Context, key string, code int, body []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE idempotency_keys SET status = 'completed', response_code = $2, response_body = $3
		WHERE key = $1
	`, key, code, body)
	if err != nil {
		return fmt.Errorf("save idempotency response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseIdempotencyKey drops an in-progress claim so the client may retry
// with the same key after a failure that changed nothing.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1 AND status = 'in_progress'`, key)
	return err
}

func getIdempotency(ctx context.Context, q pgx.Tx, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var status string
	var code pgtype.Int4
	var body []byte
	err := q.QueryRow(ctx, `
		SELECT key, action, status, response_code, response_body, expires_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.Action, &status, &code, &body, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return IdempotencyRecord{}, fmt.Errorf("query idempotency key: %w", err)
	}
	rec.Completed = status == "completed"
	if code.Valid {
		rec.ResponseCode = int(code.Int32)
	}
	rec.ResponseBody = body
	return rec, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, subjectID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (subject_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, subjectID, event, detail)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrCodeUniqueViolation
}
