package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/rules"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNoActiveRule indicates the tenant has no active conversion rule.
	ErrNoActiveRule = errors.New("storage: no active conversion rule")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
)

// Every statement is qualified with the tenant's isolated schema, which is
// derived from the tenant id and validated before interpolation.
const (
	insertPurchaseSQL = `INSERT INTO %s.purchases (
        id,
        source_transaction_id,
        requested_fiat_amount,
        filled_asset_amount,
        price_per_unit,
        exchange_order_id,
        exchange_provider,
        status,
        fees,
        fee_currency,
        raw_exchange_response
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (source_transaction_id) DO NOTHING
    RETURNING id;`

	selectPurchaseByTransactionSQL = `SELECT
        id,
        source_transaction_id,
        requested_fiat_amount,
        filled_asset_amount,
        price_per_unit,
        exchange_order_id,
        exchange_provider,
        status,
        fees,
        fee_currency,
        raw_exchange_response,
        withdrawal_id,
        created_at
    FROM %s.purchases
    WHERE source_transaction_id = $1;`

	listRecentPurchasesSQL = `SELECT
        id,
        source_transaction_id,
        requested_fiat_amount,
        filled_asset_amount,
        price_per_unit,
        exchange_order_id,
        exchange_provider,
        status,
        fees,
        fee_currency,
        raw_exchange_response,
        withdrawal_id,
        created_at
    FROM %s.purchases
    ORDER BY created_at DESC
    LIMIT $1;`

	listPurchasesBetweenSQL = `SELECT
        id,
        source_transaction_id,
        requested_fiat_amount,
        filled_asset_amount,
        price_per_unit,
        exchange_order_id,
        exchange_provider,
        status,
        fees,
        fee_currency,
        raw_exchange_response,
        withdrawal_id,
        created_at
    FROM %s.purchases
    WHERE created_at >= $1 AND created_at < $2
    ORDER BY created_at;`

	setPurchaseWithdrawalSQL = `UPDATE %s.purchases
    SET withdrawal_id = $2
    WHERE id = $1;`

	upsertFailureSQL = `INSERT INTO %s.processing_failures (
        source_transaction_id,
        error_message,
        retry_count,
        next_retry_at
    ) VALUES (
        $1,$2,1, now() + $3::interval
    )
    ON CONFLICT (source_transaction_id) DO UPDATE
    SET error_message = EXCLUDED.error_message,
        retry_count   = processing_failures.retry_count + 1,
        next_retry_at = now() + LEAST($3::interval * pow(2, processing_failures.retry_count), $4::interval),
        updated_at    = now()
    RETURNING retry_count;`

	listDueFailuresSQL = `SELECT
        source_transaction_id,
        error_message,
        retry_count,
        next_retry_at,
        created_at,
        updated_at
    FROM %s.processing_failures
    WHERE next_retry_at <= $1
    ORDER BY next_retry_at
    LIMIT $2;`

	listRecentFailuresSQL = `SELECT
        source_transaction_id,
        error_message,
        retry_count,
        next_retry_at,
        created_at,
        updated_at
    FROM %s.processing_failures
    ORDER BY updated_at DESC
    LIMIT $1;`

	deleteFailureSQL = `DELETE FROM %s.processing_failures WHERE source_transaction_id = $1;`

	insertTransactionSQL = `INSERT INTO %s.transactions (
        id,
        amount,
        currency,
        description,
        flagged_for_conversion,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO NOTHING;`

	selectTransactionSQL = `SELECT
        id,
        amount,
        currency,
        description,
        flagged_for_conversion,
        occurred_at,
        created_at
    FROM %s.transactions
    WHERE id = $1;`

	clearFlaggedSQL = `UPDATE %s.transactions
    SET flagged_for_conversion = false
    WHERE id = ANY($1);`

	unconvertedBalanceSQL = `SELECT t.id, t.amount
    FROM %s.transactions t
    LEFT JOIN %s.purchases p ON p.source_transaction_id = t.id
    WHERE t.flagged_for_conversion
      AND p.id IS NULL
      AND t.id <> $1;`

	activeRuleSQL = `SELECT
        id,
        rule_type,
        conversion_pct,
        min_purchase,
        max_purchase,
        threshold_amount,
        buffer_amount,
        dca_amount,
        dca_interval_seconds,
        auto_withdrawal,
        withdrawal_address
    FROM %s.conversion_rules
    WHERE active
    ORDER BY updated_at DESC
    LIMIT 1;`

	tenantTierSQL = `SELECT plan_tier FROM %s.tenant_settings LIMIT 1;`

	listTenantsSQL = `SELECT tenant_id FROM public.tenants WHERE active ORDER BY tenant_id;`
)

// PurchaseStore persists and reads purchase records for a tenant.
type PurchaseStore interface {
	InsertPurchase(ctx context.Context, tenantID string, record PurchaseRecord) (string, error)
	GetPurchaseByTransaction(ctx context.Context, tenantID, sourceTransactionID string) (PurchaseRecord, error)
	ListRecentPurchases(ctx context.Context, tenantID string, limit int) ([]PurchaseRecord, error)
	SetPurchaseWithdrawal(ctx context.Context, tenantID, purchaseID, withdrawalID string) error
}

// FailureStore maintains the processing-failure ledger.
type FailureStore interface {
	UpsertFailure(ctx context.Context, tenantID, sourceTransactionID, message string, baseDelay, maxDelay time.Duration) (int, error)
	ListDueFailures(ctx context.Context, tenantID string, asOf time.Time, limit int) ([]ProcessingFailure, error)
	ListRecentFailures(ctx context.Context, tenantID string, limit int) ([]ProcessingFailure, error)
	DeleteFailure(ctx context.Context, tenantID, sourceTransactionID string) error
}

// TransactionStore records received payments.
type TransactionStore interface {
	InsertTransaction(ctx context.Context, tenantID string, record TransactionRecord) error
	GetTransaction(ctx context.Context, tenantID, id string) (TransactionRecord, error)
	UnconvertedBalance(ctx context.Context, tenantID, excludeID string) (decimal.Decimal, []string, error)
	ClearFlagged(ctx context.Context, tenantID string, ids []string) error
}

// RuleStore reads conversion rules and tenant tier configuration.
type RuleStore interface {
	ActiveRule(ctx context.Context, tenantID string) (rules.Rule, error)
	TenantTier(ctx context.Context, tenantID string) (string, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// Store aggregates tenant-scoped access to the treasury tables.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ PurchaseStore    = (*Store)(nil)
	_ FailureStore     = (*Store)(nil)
	_ TransactionStore = (*Store)(nil)
	_ RuleStore        = (*Store)(nil)
)

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// schemaFor maps a tenant id onto its isolated schema name. The id is
// validated because the schema name is interpolated into SQL text.
func schemaFor(tenantID string) (string, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return "", fmt.Errorf("invalid tenant id %q", tenantID)
	}
	cleaned := make([]byte, 0, len(tenantID))
	for i := 0; i < len(tenantID); i++ {
		c := tenantID[i]
		if c == '-' {
			c = '_'
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		cleaned = append(cleaned, c)
	}
	return "tenant_" + string(cleaned), nil
}

// InsertPurchase atomically persists a purchase under the transaction
// uniqueness constraint. When a concurrent insert for the same transaction
// wins the race, the existing record's id is returned instead.
func (s *Store) InsertPurchase(ctx context.Context, tenantID string, record PurchaseRecord) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return "", err
	}

	var id string
	scanErr := pool.QueryRow(ctx, fmt.Sprintf(insertPurchaseSQL, schema),
		record.ID,
		record.SourceTransactionID,
		record.RequestedFiatAmount.String(),
		record.FilledAssetAmount.String(),
		record.PricePerUnit.String(),
		record.ExchangeOrderID,
		record.ExchangeProvider,
		record.Status,
		record.Fees.String(),
		record.FeeCurrency,
		[]byte(record.RawExchangeResponse),
	).Scan(&id)
	if scanErr == nil {
		return id, nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return "", fmt.Errorf("insert purchase: %w", scanErr)
	}

	// Conflict branch: another attempt for this transaction already
	// committed. Re-read and return its id.
	existing, err := s.GetPurchaseByTransaction(ctx, tenantID, record.SourceTransactionID)
	if err != nil {
		return "", fmt.Errorf("read purchase after conflict: %w", err)
	}
	return existing.ID, nil
}

// GetPurchaseByTransaction looks up a purchase by its idempotency key.
func (s *Store) GetPurchaseByTransaction(ctx context.Context, tenantID, sourceTransactionID string) (PurchaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return PurchaseRecord{}, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return PurchaseRecord{}, err
	}

	row := pool.QueryRow(ctx, fmt.Sprintf(selectPurchaseByTransactionSQL, schema), sourceTransactionID)
	record, scanErr := scanPurchase(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return PurchaseRecord{}, ErrNotFound
		}
		return PurchaseRecord{}, fmt.Errorf("get purchase by transaction: %w", scanErr)
	}
	record.TenantID = tenantID
	return record, nil
}

// ListRecentPurchases lists the most recent purchases for a tenant.
func (s *Store) ListRecentPurchases(ctx context.Context, tenantID string, limit int) ([]PurchaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listRecentPurchasesSQL, schema), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent purchases: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PurchaseRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanPurchase(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		record.TenantID = tenantID
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListPurchasesBetween lists purchases inside [from, to) in time order.
func (s *Store) ListPurchasesBetween(ctx context.Context, tenantID string, from, to time.Time) ([]PurchaseRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listPurchasesBetweenSQL, schema), from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list purchases between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PurchaseRecord, 0)
	for rows.Next() {
		record, scanErr := scanPurchase(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		record.TenantID = tenantID
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// SetPurchaseWithdrawal attaches a withdrawal id to a persisted purchase.
func (s *Store) SetPurchaseWithdrawal(ctx context.Context, tenantID, purchaseID, withdrawalID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, fmt.Sprintf(setPurchaseWithdrawalSQL, schema), purchaseID, withdrawalID); execErr != nil {
		return fmt.Errorf("set purchase withdrawal: %w", execErr)
	}
	return nil
}

// UpsertFailure records a processing failure; repeat failures for the same
// transaction increment the retry counter and double the retry delay up to
// maxDelay. Returns the updated count.
func (s *Store) UpsertFailure(ctx context.Context, tenantID, sourceTransactionID, message string, baseDelay, maxDelay time.Duration) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return 0, err
	}

	var count int
	if scanErr := pool.QueryRow(ctx, fmt.Sprintf(upsertFailureSQL, schema), sourceTransactionID, message, baseDelay, maxDelay).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("upsert failure: %w", scanErr)
	}
	return count, nil
}

// ListDueFailures lists failures whose next retry time has elapsed.
func (s *Store) ListDueFailures(ctx context.Context, tenantID string, asOf time.Time, limit int) ([]ProcessingFailure, error) {
	return s.listFailures(ctx, tenantID, listDueFailuresSQL, asOf, limit)
}

// ListRecentFailures lists the most recently updated failures.
func (s *Store) ListRecentFailures(ctx context.Context, tenantID string, limit int) ([]ProcessingFailure, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listRecentFailuresSQL, schema), limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent failures: %w", queryErr)
	}
	defer rows.Close()
	return collectFailures(rows, tenantID)
}

func (s *Store) listFailures(ctx context.Context, tenantID, query string, asOf time.Time, limit int) ([]ProcessingFailure, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, fmt.Sprintf(query, schema), asOf, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list failures: %w", queryErr)
	}
	defer rows.Close()
	return collectFailures(rows, tenantID)
}

// DeleteFailure removes a ledger entry after a successful replay.
func (s *Store) DeleteFailure(ctx context.Context, tenantID, sourceTransactionID string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, fmt.Sprintf(deleteFailureSQL, schema), sourceTransactionID); execErr != nil {
		return fmt.Errorf("delete failure: %w", execErr)
	}
	return nil
}

// InsertTransaction records a received payment; duplicate ids are no-ops.
func (s *Store) InsertTransaction(ctx context.Context, tenantID string, record TransactionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, fmt.Sprintf(insertTransactionSQL, schema),
		record.ID,
		record.Amount.String(),
		record.Currency,
		record.Description,
		record.FlaggedForConversion,
		record.OccurredAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert transaction: %w", execErr)
	}
	return nil
}

// GetTransaction reads one payment record.
func (s *Store) GetTransaction(ctx context.Context, tenantID, id string) (TransactionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return TransactionRecord{}, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return TransactionRecord{}, err
	}

	var (
		record    TransactionRecord
		amountStr string
	)
	row := pool.QueryRow(ctx, fmt.Sprintf(selectTransactionSQL, schema), id)
	if scanErr := row.Scan(
		&record.ID,
		&amountStr,
		&record.Currency,
		&record.Description,
		&record.FlaggedForConversion,
		&record.OccurredAt,
		&record.CreatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return TransactionRecord{}, ErrNotFound
		}
		return TransactionRecord{}, fmt.Errorf("get transaction: %w", scanErr)
	}

	amount, convErr := decimal.NewFromString(amountStr)
	if convErr != nil {
		return TransactionRecord{}, fmt.Errorf("parse transaction amount: %w", convErr)
	}
	record.Amount = amount
	record.TenantID = tenantID
	return record, nil
}

// ClearFlagged unflags the given payments, called after a threshold
// conversion consumes the balance they contributed to.
func (s *Store) ClearFlagged(ctx context.Context, tenantID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, fmt.Sprintf(clearFlaggedSQL, schema), ids); execErr != nil {
		return fmt.Errorf("clear flagged transactions: %w", execErr)
	}
	return nil
}

// UnconvertedBalance sums flagged payments that have no purchase yet,
// excluding the payment currently being processed so a re-delivered
// payment is never counted twice. The contributing transaction ids are
// returned so a successful conversion can unflag exactly the rows that
// were summed.
func (s *Store) UnconvertedBalance(ctx context.Context, tenantID, excludeID string) (decimal.Decimal, []string, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, nil, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return decimal.Decimal{}, nil, err
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(unconvertedBalanceSQL, schema, schema), excludeID)
	if queryErr != nil {
		return decimal.Decimal{}, nil, fmt.Errorf("unconverted balance: %w", queryErr)
	}
	defer rows.Close()

	total := decimal.Zero
	ids := make([]string, 0)
	for rows.Next() {
		var (
			id        string
			amountStr string
		)
		if scanErr := rows.Scan(&id, &amountStr); scanErr != nil {
			return decimal.Decimal{}, nil, scanErr
		}
		amount, convErr := decimal.NewFromString(amountStr)
		if convErr != nil {
			return decimal.Decimal{}, nil, fmt.Errorf("parse accumulated amount: %w", convErr)
		}
		total = total.Add(amount)
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return decimal.Decimal{}, nil, rows.Err()
	}
	return total, ids, nil
}

// ActiveRule reads the tenant's single active conversion rule.
func (s *Store) ActiveRule(ctx context.Context, tenantID string) (rules.Rule, error) {
	pool, err := s.getPool()
	if err != nil {
		return rules.Rule{}, err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return rules.Rule{}, err
	}

	var (
		rule            rules.Rule
		ruleType        string
		conversionPct   sql.NullString
		minPurchase     sql.NullString
		maxPurchase     sql.NullString
		thresholdAmount sql.NullString
		bufferAmount    sql.NullString
		dcaAmount       sql.NullString
		dcaInterval     sql.NullInt64
		withdrawalAddr  sql.NullString
	)

	row := pool.QueryRow(ctx, fmt.Sprintf(activeRuleSQL, schema))
	if scanErr := row.Scan(
		&rule.ID,
		&ruleType,
		&conversionPct,
		&minPurchase,
		&maxPurchase,
		&thresholdAmount,
		&bufferAmount,
		&dcaAmount,
		&dcaInterval,
		&rule.AutoWithdrawal,
		&withdrawalAddr,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return rules.Rule{}, ErrNoActiveRule
		}
		return rules.Rule{}, fmt.Errorf("active rule: %w", scanErr)
	}

	rule.TenantID = tenantID
	rule.Type = rules.RuleType(ruleType)
	rule.Active = true
	if rule.ConversionPct, err = nullDecimal(conversionPct); err != nil {
		return rules.Rule{}, fmt.Errorf("parse conversion pct: %w", err)
	}
	if rule.MinPurchase, err = nullDecimal(minPurchase); err != nil {
		return rules.Rule{}, fmt.Errorf("parse min purchase: %w", err)
	}
	if rule.MaxPurchase, err = nullDecimal(maxPurchase); err != nil {
		return rules.Rule{}, fmt.Errorf("parse max purchase: %w", err)
	}
	if rule.ThresholdAmount, err = nullDecimal(thresholdAmount); err != nil {
		return rules.Rule{}, fmt.Errorf("parse threshold amount: %w", err)
	}
	if rule.BufferAmount, err = nullDecimal(bufferAmount); err != nil {
		return rules.Rule{}, fmt.Errorf("parse buffer amount: %w", err)
	}
	if rule.DCAAmount, err = nullDecimal(dcaAmount); err != nil {
		return rules.Rule{}, fmt.Errorf("parse dca amount: %w", err)
	}
	if dcaInterval.Valid {
		rule.DCAInterval = time.Duration(dcaInterval.Int64) * time.Second
	}
	if withdrawalAddr.Valid {
		rule.WithdrawalAddress = withdrawalAddr.String
	}
	return rule, nil
}

// TenantTier reads the tenant's subscription tier name.
func (s *Store) TenantTier(ctx context.Context, tenantID string) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	schema, err := schemaFor(tenantID)
	if err != nil {
		return "", err
	}

	var tier string
	if scanErr := pool.QueryRow(ctx, fmt.Sprintf(tenantTierSQL, schema)).Scan(&tier); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("tenant tier: %w", scanErr)
	}
	return tier, nil
}

// ListTenants lists active tenant ids from the shared registry.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTenantsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list tenants: %w", queryErr)
	}
	defer rows.Close()

	tenants := make([]string, 0)
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, scanErr
		}
		tenants = append(tenants, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return tenants, nil
}

func nullDecimal(v sql.NullString) (decimal.Decimal, error) {
	if !v.Valid || v.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(v.String)
}

func scanPurchase(row pgx.Row) (PurchaseRecord, error) {
	var (
		record       PurchaseRecord
		requestedStr string
		filledStr    string
		priceStr     string
		feesStr      string
		raw          json.RawMessage
		withdrawal   sql.NullString
	)

	if err := row.Scan(
		&record.ID,
		&record.SourceTransactionID,
		&requestedStr,
		&filledStr,
		&priceStr,
		&record.ExchangeOrderID,
		&record.ExchangeProvider,
		&record.Status,
		&feesStr,
		&record.FeeCurrency,
		&raw,
		&withdrawal,
		&record.CreatedAt,
	); err != nil {
		return PurchaseRecord{}, err
	}

	var convErr error
	if record.RequestedFiatAmount, convErr = decimal.NewFromString(requestedStr); convErr != nil {
		return PurchaseRecord{}, fmt.Errorf("parse requested amount: %w", convErr)
	}
	if record.FilledAssetAmount, convErr = decimal.NewFromString(filledStr); convErr != nil {
		return PurchaseRecord{}, fmt.Errorf("parse filled amount: %w", convErr)
	}
	if record.PricePerUnit, convErr = decimal.NewFromString(priceStr); convErr != nil {
		return PurchaseRecord{}, fmt.Errorf("parse price per unit: %w", convErr)
	}
	if record.Fees, convErr = decimal.NewFromString(feesStr); convErr != nil {
		return PurchaseRecord{}, fmt.Errorf("parse fees: %w", convErr)
	}
	record.RawExchangeResponse = raw
	if withdrawal.Valid {
		value := withdrawal.String
		record.WithdrawalID = &value
	}
	return record, nil
}

func collectFailures(rows pgx.Rows, tenantID string) ([]ProcessingFailure, error) {
	failures := make([]ProcessingFailure, 0)
	for rows.Next() {
		var failure ProcessingFailure
		if err := rows.Scan(
			&failure.SourceTransactionID,
			&failure.ErrorMessage,
			&failure.RetryCount,
			&failure.NextRetryAt,
			&failure.CreatedAt,
			&failure.UpdatedAt,
		); err != nil {
			return nil, err
		}
		failure.TenantID = tenantID
		failures = append(failures, failure)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return failures, nil
}
