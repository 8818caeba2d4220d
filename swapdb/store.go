package swapdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// DBTX is the interface both *sql.DB and *sql.Tx satisfy, so every query
// can run standalone or inside an ExecTx body.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Queries is the query layer of the store.
type Queries struct {
	db DBTX
}

// New creates a new query layer on top of the given database handle.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a query layer bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// InsertQuote persists a new quote.
func (q *Queries) InsertQuote(ctx context.Context, quote *Quote) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO quotes (
			quote_id, offer_id, direction, asset_id, asset_amount,
			total_price_msat, price_msat_per_unit, fee_subsidy_sats,
			refund_delta_blocks, min_funding_confs, created_at,
			expires_at, swap_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		quote.QuoteID, quote.OfferID, quote.Direction, quote.AssetID,
		int64(quote.AssetAmount), int64(quote.TotalPriceMsat),
		int64(quote.PriceMsatPerUnit), int64(quote.FeeSubsidySats),
		quote.RefundDeltaBlocks, quote.MinFundingConfs,
		quote.CreatedAt.UTC(), quote.ExpiresAt.UTC(),
	)

	return err
}

// GetQuote fetches a quote by id, returning sql.ErrNoRows if it does not
// exist.
func (q *Queries) GetQuote(ctx context.Context, quoteID string) (*Quote,
	error) {

	row := q.db.QueryRowContext(ctx, `
		SELECT quote_id, offer_id, direction, asset_id, asset_amount,
			total_price_msat, price_msat_per_unit,
			fee_subsidy_sats, refund_delta_blocks,
			min_funding_confs, created_at, expires_at,
			COALESCE(swap_id, '')
		FROM quotes WHERE quote_id = ?`,
		quoteID,
	)

	var (
		quote       Quote
		assetAmount int64
		totalPrice  int64
		unitPrice   int64
		feeSubsidy  int64
	)
	err := row.Scan(
		&quote.QuoteID, &quote.OfferID, &quote.Direction,
		&quote.AssetID, &assetAmount, &totalPrice, &unitPrice,
		&feeSubsidy, &quote.RefundDeltaBlocks, &quote.MinFundingConfs,
		&quote.CreatedAt, &quote.ExpiresAt, &quote.SwapID,
	)
	if err != nil {
		return nil, err
	}

	quote.AssetAmount = uint64(assetAmount)
	quote.TotalPriceMsat = lnwire.MilliSatoshi(totalPrice)
	quote.PriceMsatPerUnit = lnwire.MilliSatoshi(unitPrice)
	quote.FeeSubsidySats = uint64(feeSubsidy)

	return &quote, nil
}

// SetQuoteSwapID links a quote to the swap that consumed it. The link can
// only be set once; a second attempt reports no update.
func (q *Queries) SetQuoteSwapID(ctx context.Context, quoteID,
	swapID string) (bool, error) {

	result, err := q.db.ExecContext(ctx, `
		UPDATE quotes SET swap_id = ?
		WHERE quote_id = ? AND swap_id IS NULL`,
		swapID, quoteID,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// ClearQuoteSwapID unlinks a quote from a swap that failed before its row
// was written, making the quote consumable again.
func (q *Queries) ClearQuoteSwapID(ctx context.Context, quoteID,
	swapID string) error {

	_, err := q.db.ExecContext(ctx, `
		UPDATE quotes SET swap_id = NULL
		WHERE quote_id = ? AND swap_id = ?`,
		quoteID, swapID,
	)

	return err
}

// InsertSwap persists a new swap row.
func (q *Queries) InsertSwap(ctx context.Context, swap *Swap) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO swaps (
			swap_id, quote_id, direction,
			payer, payee, claimer, refunder,
			invoice, payment_hash,
			asset_id, asset_amount, total_price_msat,
			fee_subsidy_sats, refund_lock_height, min_funding_confs,
			lock_address, lock_script, buyer_ledger_address,
			funding_txid, asset_vout, subsidy_vout,
			payment_id, preimage, claim_txid, refund_txid,
			status, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			?, ?, ?, NULL, NULL, NULL, NULL, ?, ?, ?
		)`,
		swap.SwapID, swap.QuoteID, swap.Direction,
		swap.Parties.Payer, swap.Parties.Payee, swap.Parties.Claimer,
		swap.Parties.Refunder, swap.Invoice, swap.PaymentHash[:],
		swap.AssetID, int64(swap.AssetAmount),
		int64(swap.TotalPriceMsat), int64(swap.FeeSubsidySats),
		swap.RefundLockHeight, swap.MinFundingConfs,
		swap.LockAddress, swap.LockScript, swap.BuyerLedgerAddress,
		swap.FundingTxid, swap.AssetVout, swap.SubsidyVout,
		swap.Status.String(), swap.CreatedAt.UTC(),
		swap.UpdatedAt.UTC(),
	)

	return err
}

const swapColumns = `
	swap_id, quote_id, direction,
	payer, payee, claimer, refunder,
	invoice, payment_hash,
	asset_id, asset_amount, total_price_msat,
	fee_subsidy_sats, refund_lock_height, min_funding_confs,
	lock_address, lock_script, buyer_ledger_address,
	funding_txid, asset_vout, subsidy_vout,
	COALESCE(payment_id, ''), preimage,
	COALESCE(claim_txid, ''), COALESCE(refund_txid, ''),
	status, created_at, updated_at`

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSwap(row rowScanner) (*Swap, error) {
	var (
		swap        Swap
		paymentHash []byte
		assetAmount int64
		totalPrice  int64
		feeSubsidy  int64
		status      string
	)
	err := row.Scan(
		&swap.SwapID, &swap.QuoteID, &swap.Direction,
		&swap.Parties.Payer, &swap.Parties.Payee,
		&swap.Parties.Claimer, &swap.Parties.Refunder,
		&swap.Invoice, &paymentHash,
		&swap.AssetID, &assetAmount, &totalPrice,
		&feeSubsidy, &swap.RefundLockHeight, &swap.MinFundingConfs,
		&swap.LockAddress, &swap.LockScript, &swap.BuyerLedgerAddress,
		&swap.FundingTxid, &swap.AssetVout, &swap.SubsidyVout,
		&swap.PaymentID, &swap.Preimage,
		&swap.ClaimTxid, &swap.RefundTxid,
		&status, &swap.CreatedAt, &swap.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	hash, err := lntypes.MakeHash(paymentHash)
	if err != nil {
		return nil, fmt.Errorf("invalid payment hash: %w", err)
	}
	swap.PaymentHash = hash

	swap.AssetAmount = uint64(assetAmount)
	swap.TotalPriceMsat = lnwire.MilliSatoshi(totalPrice)
	swap.FeeSubsidySats = uint64(feeSubsidy)

	swap.Status, err = parseSwapStatus(status)
	if err != nil {
		return nil, err
	}

	return &swap, nil
}

// GetSwap fetches a swap by id, returning sql.ErrNoRows if it does not
// exist.
func (q *Queries) GetSwap(ctx context.Context, swapID string) (*Swap, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+swapColumns+` FROM swaps WHERE swap_id = ?`, swapID,
	)

	return scanSwap(row)
}

// ListSwaps fetches all swaps, oldest first.
func (q *Queries) ListSwaps(ctx context.Context) ([]*Swap, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+swapColumns+` FROM swaps ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

// ListSwapsByStatus fetches all swaps in the given status, oldest first.
func (q *Queries) ListSwapsByStatus(ctx context.Context,
	status SwapStatus) ([]*Swap, error) {

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+swapColumns+` FROM swaps WHERE status = ?
		ORDER BY created_at`, status.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var swaps []*Swap
	for rows.Next() {
		swap, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, swap)
	}

	return swaps, rows.Err()
}

// UpdateSwapStatus transitions a swap from oldStatus to newStatus. The
// update is a compare-and-set: it reports false without modifying anything
// if the swap is no longer in oldStatus, which serializes concurrent
// watchers on the swap row.
func (q *Queries) UpdateSwapStatus(ctx context.Context, swapID string,
	oldStatus, newStatus SwapStatus, updatedAt time.Time) (bool, error) {

	result, err := q.db.ExecContext(ctx, `
		UPDATE swaps SET status = ?, updated_at = ?
		WHERE swap_id = ? AND status = ?`,
		newStatus.String(), updatedAt.UTC(), swapID,
		oldStatus.String(),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// SetSwapPayment records the payment id and verified preimage of the swap
// invoice.
func (q *Queries) SetSwapPayment(ctx context.Context, swapID, paymentID string,
	preimage []byte, updatedAt time.Time) error {

	_, err := q.db.ExecContext(ctx, `
		UPDATE swaps SET payment_id = ?, preimage = ?, updated_at = ?
		WHERE swap_id = ?`,
		paymentID, preimage, updatedAt.UTC(), swapID,
	)

	return err
}

// SetSwapClaimTx records the transaction spending the claim path.
func (q *Queries) SetSwapClaimTx(ctx context.Context, swapID,
	claimTxid string, updatedAt time.Time) error {

	_, err := q.db.ExecContext(ctx, `
		UPDATE swaps SET claim_txid = ?, updated_at = ?
		WHERE swap_id = ?`,
		claimTxid, updatedAt.UTC(), swapID,
	)

	return err
}

// SetSwapRefundTx records the transaction spending the refund path.
func (q *Queries) SetSwapRefundTx(ctx context.Context, swapID,
	refundTxid string, updatedAt time.Time) error {

	_, err := q.db.ExecContext(ctx, `
		UPDATE swaps SET refund_txid = ?, updated_at = ?
		WHERE swap_id = ?`,
		refundTxid, updatedAt.UTC(), swapID,
	)

	return err
}

// InsertIdempotencyKey maps a caller supplied request identifier to the
// swap it produced.
func (q *Queries) InsertIdempotencyKey(ctx context.Context, key,
	swapID string) error {

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO swap_idempotency_keys (idempotency_key, swap_id)
		VALUES (?, ?)`,
		key, swapID,
	)

	return err
}

// GetIdempotentSwapID returns the swap id recorded for the given request
// identifier, or sql.ErrNoRows.
func (q *Queries) GetIdempotentSwapID(ctx context.Context,
	key string) (string, error) {

	var swapID string
	err := q.db.QueryRowContext(ctx, `
		SELECT swap_id FROM swap_idempotency_keys
		WHERE idempotency_key = ?`,
		key,
	).Scan(&swapID)

	return swapID, err
}

// UpsertCollateralUnit registers a collateral unit if it is not yet known.
// Known units keep their current reservation state.
func (q *Queries) UpsertCollateralUnit(ctx context.Context,
	unit *CollateralUnit) error {

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO collateral_units (
			unit_id, asset_id, amount, status, swap_id
		) VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT (unit_id) DO NOTHING`,
		unit.UnitID, unit.AssetID, int64(unit.Amount),
		string(UnitStatusFree),
	)

	return err
}

// ListFreeUnits returns the free units of an asset, largest first so that
// reservations touch as few units as possible.
func (q *Queries) ListFreeUnits(ctx context.Context,
	assetID string) ([]*CollateralUnit, error) {

	rows, err := q.db.QueryContext(ctx, `
		SELECT unit_id, asset_id, amount, status,
			COALESCE(swap_id, '')
		FROM collateral_units
		WHERE asset_id = ? AND status = ?
		ORDER BY amount DESC, unit_id`,
		assetID, string(UnitStatusFree),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*CollateralUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	return units, rows.Err()
}

func scanUnit(row rowScanner) (*CollateralUnit, error) {
	var (
		unit   CollateralUnit
		amount int64
		status string
	)
	err := row.Scan(
		&unit.UnitID, &unit.AssetID, &amount, &status, &unit.SwapID,
	)
	if err != nil {
		return nil, err
	}

	unit.Amount = uint64(amount)
	unit.Status = UnitStatus(status)

	return &unit, nil
}

// ReserveUnit pledges a free unit to a swap. The status guard in the
// predicate makes double reservation impossible: the second writer sees
// zero rows affected.
func (q *Queries) ReserveUnit(ctx context.Context, unitID,
	swapID string) (bool, error) {

	result, err := q.db.ExecContext(ctx, `
		UPDATE collateral_units SET status = ?, swap_id = ?
		WHERE unit_id = ? AND status = ?`,
		string(UnitStatusReserved), swapID, unitID,
		string(UnitStatusFree),
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// ReleaseUnits frees all units reserved by the given swap.
func (q *Queries) ReleaseUnits(ctx context.Context, swapID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE collateral_units SET status = ?, swap_id = NULL
		WHERE swap_id = ? AND status = ?`,
		string(UnitStatusFree), swapID, string(UnitStatusReserved),
	)

	return err
}

// SpendUnits marks all units reserved by the given swap as spent, once the
// funding transaction is durably broadcast.
func (q *Queries) SpendUnits(ctx context.Context, swapID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE collateral_units SET status = ?
		WHERE swap_id = ? AND status = ?`,
		string(UnitStatusSpent), swapID, string(UnitStatusReserved),
	)

	return err
}

// ReleaseOrphanedUnits frees reservations whose swap row was never
// written, which can happen when the process dies between taking a
// reservation and recording the swap. Returns the number of freed units.
func (q *Queries) ReleaseOrphanedUnits(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE collateral_units SET status = ?, swap_id = NULL
		WHERE status = ? AND swap_id NOT IN
			(SELECT swap_id FROM swaps)`,
		string(UnitStatusFree), string(UnitStatusReserved),
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// ClearOrphanedQuoteLinks unlinks quotes whose swap row was never written,
// the quote-side counterpart of ReleaseOrphanedUnits. Without it a crash
// between the reservation and the swap insert leaves the quote consumed by
// a swap id that does not exist. Returns the number of unlinked quotes.
func (q *Queries) ClearOrphanedQuoteLinks(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx, `
		UPDATE quotes SET swap_id = NULL
		WHERE swap_id IS NOT NULL AND swap_id NOT IN
			(SELECT swap_id FROM swaps)`,
	)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// GetUnitsBySwap returns the units bound to a swap.
func (q *Queries) GetUnitsBySwap(ctx context.Context,
	swapID string) ([]*CollateralUnit, error) {

	rows, err := q.db.QueryContext(ctx, `
		SELECT unit_id, asset_id, amount, status,
			COALESCE(swap_id, '')
		FROM collateral_units WHERE swap_id = ?
		ORDER BY unit_id`,
		swapID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*CollateralUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}

	return units, rows.Err()
}

// SwapStore is the durable, transactional record of quotes, swaps, role
// assignments and the collateral reservation ledger.
type SwapStore struct {
	*BaseDB

	clock clock.Clock
}

// SetClock overrides the store clock, used in tests.
func (s *SwapStore) SetClock(c clock.Clock) {
	s.clock = c
}

// Now exposes the store clock so that callers stamping rows inside ExecTx
// bodies use the same time source.
func (s *SwapStore) Now() time.Time {
	return s.clock.Now().UTC()
}

// CreateQuote stamps and persists a new quote.
func (s *SwapStore) CreateQuote(ctx context.Context, quote *Quote) error {
	return s.Queries.InsertQuote(ctx, quote)
}

// UpdateSwapStatus applies a compare-and-set status transition, stamped
// with the store clock.
func (s *SwapStore) UpdateSwapStatus(ctx context.Context, swapID string,
	oldStatus, newStatus SwapStatus) (bool, error) {

	return s.Queries.UpdateSwapStatus(
		ctx, swapID, oldStatus, newStatus, s.Now(),
	)
}
