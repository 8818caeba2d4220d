// Package lswap implements a swap engine between a Lightning style payment
// network and a UTXO based asset ledger. The operator quotes a price and
// locks collateral in a hash/time-locked contract; the counterparty pays an
// invoice and unlocks the contract with the payment preimage. Funding,
// claim and refund progress is tracked by background watchers against a
// durable store.
package lswap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/liquidswap/lswap/inventory"
	"github.com/liquidswap/lswap/swap"
	"github.com/liquidswap/lswap/swapdb"
)

// errQuoteConsumed signals internally that a quote was linked to a swap by
// a concurrent creation. The caller resolves the linked swap instead.
var errQuoteConsumed = errors.New("quote already consumed")

// Config contains all the services and parameters the swap engine needs to
// operate.
type Config struct {
	// Store is the swap database.
	Store *swapdb.SwapStore

	// Inventory manages collateral reservations.
	Inventory *inventory.Manager

	// Lightning is the payment network capability.
	Lightning LightningClient

	// Ledger is the asset ledger capability.
	Ledger LedgerClient

	// ChainParams are the address parameters of the asset ledger.
	ChainParams *chaincfg.Params

	// InvoiceParams are the address parameters of the payment network,
	// used to decode caller supplied invoices.
	InvoiceParams *chaincfg.Params

	// Clock is the time source.
	Clock clock.Clock

	// OperatorID is the operator's authorization identity.
	OperatorID string

	// OperatorKeyHash is the hash of the operator's ledger key, used as
	// the operator side key of every lock script.
	OperatorKeyHash swap.KeyHash

	// OperatorSweepAddress receives claimed collateral in the reverse
	// direction. Empty lets the wallet pick an address.
	OperatorSweepAddress string

	// ReorgSafeDepth is the confirmation count after which a funded
	// swap is no longer re-checked for reorgs.
	ReorgSafeDepth uint32

	// CallTimeout bounds every collaborator call.
	CallTimeout time.Duration

	// FundingTicker paces the funding confirmation watcher.
	FundingTicker *ticker.Force

	// SpendTicker paces the lock spend watcher.
	SpendTicker *ticker.Force

	// RefundTicker paces the refund trigger.
	RefundTicker *ticker.Force
}

// Manager is the swap orchestrator. It resolves quotes into funded locks,
// gates the per-role execution actions and runs the background watchers.
type Manager struct {
	cfg *Config

	// offerMtx guards the live offer.
	offerMtx sync.Mutex
	offer    *Offer

	// signerMtx serializes collateral-bearing ledger operations, so two
	// concurrent creations cannot select overlapping collateral before
	// a reservation commits.
	signerMtx sync.Mutex
}

// NewManager creates a new swap manager.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg: cfg,
	}
}

// mapNotFound converts the store's row-not-found error into the caller
// facing sentinel.
func mapNotFound(err, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}

	return err
}

// callCtx derives a bounded context for a collaborator call.
func (m *Manager) callCtx(ctx context.Context) (context.Context,
	context.CancelFunc) {

	return context.WithTimeout(ctx, m.cfg.CallTimeout)
}

// CreateSwapRequest are the caller supplied parameters of a swap creation.
type CreateSwapRequest struct {
	// QuoteID references the quote to consume.
	QuoteID string

	// Requester is the authenticated identity of the caller.
	Requester string

	// BuyerLedgerAddress is the buyer's ledger address. Its key hash
	// becomes the buyer side key of the lock script.
	BuyerLedgerAddress string

	// BuyerInvoice is the invoice the operator pays in the reverse
	// direction. It must be empty in the forward direction.
	BuyerInvoice string

	// IdempotencyKey makes retries of the same creation safe. Optional.
	IdempotencyKey string
}

// deriveParties resolves the four abstract swap roles for a direction. In
// the forward direction the buyer pays the invoice and claims the lock; in
// the reverse direction the operator pays the buyer's invoice and claims
// the lock, while the buyer holds the refund path.
func deriveParties(direction swapdb.SwapDirection, buyer,
	operator string) swapdb.Parties {

	if direction == swapdb.DirectionForward {
		return swapdb.Parties{
			Payer:    buyer,
			Payee:    operator,
			Claimer:  buyer,
			Refunder: operator,
		}
	}

	return swapdb.Parties{
		Payer:    operator,
		Payee:    buyer,
		Claimer:  operator,
		Refunder: buyer,
	}
}

// keyHashFromAddress extracts the 20 byte key hash of a witness key hash
// address.
func keyHashFromAddress(addr string,
	params *chaincfg.Params) (swap.KeyHash, error) {

	var keyHash swap.KeyHash

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return keyHash, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	wpkh, ok := decoded.(*btcutil.AddressWitnessPubKeyHash)
	if !ok {
		return keyHash, fmt.Errorf("%w: %T cannot serve as lock key",
			ErrInvalidAddress, decoded)
	}

	copy(keyHash[:], wpkh.Hash160()[:])

	return keyHash, nil
}

// CreateSwap resolves a quote into a funded lock. The call returns as soon
// as the funding transaction is broadcast, with the swap in its initial
// state; callers poll GetSwap until the funding watcher reports the
// confirmation threshold reached.
func (m *Manager) CreateSwap(ctx context.Context,
	req *CreateSwapRequest) (*swapdb.Swap, error) {

	// Swap creation is a buyer action.
	if req.Requester == "" || req.Requester == m.cfg.OperatorID {
		return nil, fmt.Errorf("%w: swap creation is a buyer action",
			ErrUnauthorized)
	}

	// Idempotent replay: a known request identifier resolves to the
	// swap it produced, with no further side effects.
	if req.IdempotencyKey != "" {
		swapID, err := m.cfg.Store.GetIdempotentSwapID(
			ctx, req.IdempotencyKey,
		)
		switch {
		case err == nil:
			return m.fetchSwap(ctx, swapID)

		case !errors.Is(err, sql.ErrNoRows):
			return nil, err
		}
	}

	quote, err := m.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}

	// A consumed quote replays the swap it produced.
	if quote.SwapID != "" {
		return m.fetchSwap(ctx, quote.SwapID)
	}

	now := m.cfg.Clock.Now()
	if now.After(quote.ExpiresAt) {
		return nil, fmt.Errorf("%w: quote %v expired at %v",
			ErrQuoteExpired, quote.QuoteID, quote.ExpiresAt)
	}

	// The quote must still match the live offer, otherwise the price or
	// policy has moved and the buyer must re-quote.
	offer := m.CurrentOffer()
	if offer == nil || quote.OfferID != offer.ID() {
		return nil, fmt.Errorf("%w: quote %v", ErrPolicyMismatch,
			quote.QuoteID)
	}

	buyerKeyHash, err := keyHashFromAddress(
		req.BuyerLedgerAddress, m.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	parties := deriveParties(
		quote.Direction, req.Requester, m.cfg.OperatorID,
	)

	// Resolve the invoice and with it the lock's hash commitment. In
	// the forward direction we mint the invoice; in the reverse
	// direction the buyer supplies it and we only validate.
	var (
		invoice     string
		paymentHash lntypes.Hash
	)
	switch quote.Direction {
	case swapdb.DirectionForward:
		if req.BuyerInvoice != "" {
			return nil, fmt.Errorf("%w: invoice is minted server "+
				"side in the forward direction",
				ErrInvalidInvoice)
		}

		callCtx, cancel := m.callCtx(ctx)
		invoice, paymentHash, err = m.cfg.Lightning.CreateInvoice(
			callCtx, quote.TotalPriceMsat,
			fmt.Sprintf("lswap %v", quote.QuoteID),
			quote.ExpiresAt.Sub(now),
		)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: create invoice: %v",
				ErrPaymentNetworkUnavailable, err)
		}

	case swapdb.DirectionReverse:
		invoice = req.BuyerInvoice
		paymentHash, err = m.validateInvoice(invoice, quote, now)
		if err != nil {
			return nil, err
		}
	}

	// From here on we touch collateral, so serialize against other
	// creations and the refund trigger.
	m.signerMtx.Lock()
	defer m.signerMtx.Unlock()

	callCtx, cancel := m.callCtx(ctx)
	height, err := m.cfg.Ledger.ChainHeight(callCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: chain height: %v",
			ErrLedgerUnavailable, err)
	}
	refundHeight := height + quote.RefundDeltaBlocks

	claimerKeyHash, refunderKeyHash := buyerKeyHash, m.cfg.OperatorKeyHash
	if quote.Direction == swapdb.DirectionReverse {
		claimerKeyHash, refunderKeyHash = refunderKeyHash,
			claimerKeyHash
	}

	htlc, err := swap.NewHtlc(
		paymentHash, claimerKeyHash, refunderKeyHash, refundHeight,
		m.cfg.ChainParams,
	)
	if err != nil {
		return nil, err
	}

	swapID := uuid.NewString()
	logger := m.swapLog(paymentHash)

	// Link the quote and take the collateral reservation in one
	// transaction. Losing the quote link race means another creation
	// got here first; resolve to its swap.
	var reservation *inventory.Reservation
	err = m.cfg.Store.ExecTx(
		ctx, swapdb.NewSqlWriteOpts(),
		func(q *swapdb.Queries) error {
			linked, err := q.SetQuoteSwapID(
				ctx, quote.QuoteID, swapID,
			)
			if err != nil {
				return err
			}
			if !linked {
				return errQuoteConsumed
			}

			reservation, err = m.cfg.Inventory.Reserve(
				ctx, q, swapID, quote.AssetID,
				quote.AssetAmount, quote.FeeSubsidySats,
			)

			return err
		},
	)
	if errors.Is(err, errQuoteConsumed) {
		quote, err := m.GetQuote(ctx, req.QuoteID)
		if err != nil {
			return nil, err
		}

		return m.fetchSwap(ctx, quote.SwapID)
	}
	if err != nil {
		return nil, err
	}

	unitIDs := make([]string, 0, len(reservation.AssetUnits)+
		len(reservation.SubsidyUnits))
	for _, unit := range reservation.AssetUnits {
		unitIDs = append(unitIDs, unit.UnitID)
	}
	for _, unit := range reservation.SubsidyUnits {
		unitIDs = append(unitIDs, unit.UnitID)
	}

	logger.Infof("Funding lock %v for swap %v: %v units of %v, refund "+
		"height %v", htlc.Address, swapID, quote.AssetAmount,
		quote.AssetID, refundHeight)

	callCtx, cancel = m.callCtx(ctx)
	funding, err := m.cfg.Ledger.FundLock(callCtx, &FundLockRequest{
		LockAddress: htlc.Address.String(),
		PkScript:    htlc.PkScript,
		AssetID:     quote.AssetID,
		AssetAmount: quote.AssetAmount,
		SubsidySats: quote.FeeSubsidySats,
		UnitIDs:     unitIDs,
	})
	cancel()
	if err != nil {
		// Nothing durable happened on the ledger, so undo the
		// reservation and the quote link.
		m.abortCreation(ctx, quote.QuoteID, swapID)

		return nil, fmt.Errorf("%w: fund lock: %v",
			ErrLedgerUnavailable, err)
	}

	newSwap := &swapdb.Swap{
		SwapID:             swapID,
		QuoteID:            quote.QuoteID,
		Direction:          quote.Direction,
		Parties:            parties,
		Invoice:            invoice,
		PaymentHash:        paymentHash,
		AssetID:            quote.AssetID,
		AssetAmount:        quote.AssetAmount,
		TotalPriceMsat:     quote.TotalPriceMsat,
		FeeSubsidySats:     quote.FeeSubsidySats,
		RefundLockHeight:   refundHeight,
		MinFundingConfs:    quote.MinFundingConfs,
		LockAddress:        htlc.Address.String(),
		LockScript:         htlc.Script,
		BuyerLedgerAddress: req.BuyerLedgerAddress,
		FundingTxid:        funding.Txid.String(),
		AssetVout:          funding.AssetVout,
		SubsidyVout:        funding.SubsidyVout,
		Status:             swapdb.StatusCreated,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}

	// Record the swap, retire the reservation and bind the idempotency
	// key in one durable transaction referencing the broadcast.
	err = m.cfg.Store.ExecTx(
		ctx, swapdb.NewSqlWriteOpts(),
		func(q *swapdb.Queries) error {
			err := q.InsertSwap(ctx, newSwap)
			if err != nil {
				return err
			}

			err = m.cfg.Inventory.Commit(ctx, q, swapID)
			if err != nil {
				return err
			}

			if req.IdempotencyKey != "" {
				err = q.InsertIdempotencyKey(
					ctx, req.IdempotencyKey, swapID,
				)
				if err != nil {
					return err
				}
			}

			return nil
		},
	)
	if err != nil {
		// The funding transaction is already broadcast and cannot be
		// recalled. The refund path remains the recovery mechanism.
		logger.Errorf("Swap %v funded by %v but not recorded: %v",
			swapID, newSwap.FundingTxid, err)

		return nil, err
	}

	logger.Infof("Created swap %v from quote %v, funding %v",
		swapID, quote.QuoteID, newSwap.FundingTxid)

	return newSwap, nil
}

// abortCreation rolls back the quote link and collateral reservation of a
// creation that failed before broadcast. The rollback must run even when
// the failure was the caller's context being canceled, so it runs on a
// detached context with its own deadline.
func (m *Manager) abortCreation(ctx context.Context, quoteID, swapID string) {
	ctx, cancel := context.WithTimeout(
		context.WithoutCancel(ctx), m.cfg.CallTimeout,
	)
	defer cancel()

	err := m.cfg.Store.ExecTx(
		ctx, swapdb.NewSqlWriteOpts(),
		func(q *swapdb.Queries) error {
			err := q.ClearQuoteSwapID(ctx, quoteID, swapID)
			if err != nil {
				return err
			}

			return q.ReleaseUnits(ctx, swapID)
		},
	)
	if err != nil {
		// Startup recovery will release the orphaned reservation.
		log.Errorf("Could not roll back creation of swap %v: %v",
			swapID, err)
	}
}

// validateInvoice checks a buyer supplied invoice against the quote and
// returns its payment hash.
func (m *Manager) validateInvoice(invoice string, quote *swapdb.Quote,
	now time.Time) (lntypes.Hash, error) {

	var hash lntypes.Hash

	if invoice == "" {
		return hash, fmt.Errorf("%w: invoice required in the "+
			"reverse direction", ErrInvalidInvoice)
	}

	payReq, err := zpay32.Decode(invoice, m.cfg.InvoiceParams)
	if err != nil {
		return hash, fmt.Errorf("%w: %v", ErrInvalidInvoice, err)
	}

	if payReq.MilliSat == nil {
		return hash, fmt.Errorf("%w: invoice carries no amount",
			ErrInvalidInvoice)
	}
	if *payReq.MilliSat != quote.TotalPriceMsat {
		return hash, fmt.Errorf("%w: invoice amount %v, quoted %v",
			ErrInvalidInvoice, *payReq.MilliSat,
			quote.TotalPriceMsat)
	}

	if !now.Before(payReq.Timestamp.Add(payReq.Expiry())) {
		return hash, fmt.Errorf("%w: invoice expired",
			ErrInvalidInvoice)
	}

	copy(hash[:], payReq.PaymentHash[:])

	return hash, nil
}

// fetchSwap loads a swap without authorization checks, for internal use.
func (m *Manager) fetchSwap(ctx context.Context,
	swapID string) (*swapdb.Swap, error) {

	s, err := m.cfg.Store.GetSwap(ctx, swapID)
	if err != nil {
		return nil, mapNotFound(err, ErrSwapNotFound)
	}

	return s, nil
}

// isParty reports whether an identity participates in a swap.
func isParty(s *swapdb.Swap, identity string) bool {
	p := s.Parties

	return identity == p.Payer || identity == p.Payee ||
		identity == p.Claimer || identity == p.Refunder
}

// GetSwap fetches a swap, restricted to identities that are a party to it.
func (m *Manager) GetSwap(ctx context.Context, swapID,
	requester string) (*swapdb.Swap, error) {

	s, err := m.fetchSwap(ctx, swapID)
	if err != nil {
		return nil, err
	}

	if requester != m.cfg.OperatorID && !isParty(s, requester) {
		return nil, fmt.Errorf("%w: %v is not a party to swap %v",
			ErrUnauthorized, requester, swapID)
	}

	return s, nil
}

// ListSwaps returns the swaps visible to the requester: all of them for the
// operator, the requester's own swaps otherwise.
func (m *Manager) ListSwaps(ctx context.Context,
	requester string) ([]*swapdb.Swap, error) {

	swaps, err := m.cfg.Store.ListSwaps(ctx)
	if err != nil {
		return nil, err
	}

	if requester == m.cfg.OperatorID {
		return swaps, nil
	}

	visible := make([]*swapdb.Swap, 0, len(swaps))
	for _, s := range swaps {
		if isParty(s, requester) {
			visible = append(visible, s)
		}
	}

	return visible, nil
}

// CreateLightningPayment settles the swap invoice over the payment network
// and records the settlement preimage. Only the identity bound to the payer
// role may invoke it. The preimage is verified against the lock's hash
// commitment before it is trusted; a mismatch marks the swap failed since
// the payment cannot be undone but the proof is unusable.
func (m *Manager) CreateLightningPayment(ctx context.Context, swapID,
	requester string) (string, error) {

	s, err := m.fetchSwap(ctx, swapID)
	if err != nil {
		return "", err
	}

	if requester != s.Parties.Payer {
		return "", fmt.Errorf("%w: %v is not the payer of swap %v",
			ErrUnauthorized, requester, swapID)
	}

	// Replay returns the recorded payment unchanged.
	if s.PaymentID != "" {
		return s.PaymentID, nil
	}

	if s.Status != swapdb.StatusFunded {
		return "", fmt.Errorf("%w: swap %v is %v, payment requires "+
			"a funded lock", ErrSwapNotReady, swapID, s.Status)
	}

	logger := m.swapLog(s.PaymentHash)

	callCtx, cancel := m.callCtx(ctx)
	paymentID, err := m.cfg.Lightning.PayInvoice(
		callCtx, s.Invoice, m.cfg.CallTimeout,
	)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: pay invoice: %v",
			ErrPaymentNetworkUnavailable, err)
	}

	callCtx, cancel = m.callCtx(ctx)
	preimage, err := m.cfg.Lightning.WaitPreimage(
		callCtx, paymentID, m.cfg.CallTimeout,
	)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: wait preimage: %v",
			ErrPaymentNetworkUnavailable, err)
	}

	// The payment network already settled; if the proof does not match
	// the lock's commitment it must not be recorded as success.
	if preimage.Hash() != s.PaymentHash {
		logger.Errorf("FATAL: payment %v settled with preimage %v "+
			"that does not match hash %v, failing swap %v",
			paymentID, preimage, s.PaymentHash, swapID)

		_, statusErr := m.cfg.Store.UpdateSwapStatus(
			ctx, swapID, s.Status, swapdb.StatusFailed,
		)
		if statusErr != nil {
			logger.Errorf("Could not fail swap %v: %v", swapID,
				statusErr)
		}

		return "", ErrPreimageMismatch
	}

	err = m.cfg.Store.SetSwapPayment(
		ctx, swapID, paymentID, preimage[:], m.cfg.Store.Now(),
	)
	if err != nil {
		return "", err
	}

	logger.Infof("Recorded payment %v for swap %v", paymentID, swapID)

	return paymentID, nil
}

// CreateAssetClaim spends the lock's claim path with the recorded preimage.
// Only the identity bound to the claimer role may invoke it.
func (m *Manager) CreateAssetClaim(ctx context.Context, swapID,
	requester string) (string, error) {

	s, err := m.fetchSwap(ctx, swapID)
	if err != nil {
		return "", err
	}

	if requester != s.Parties.Claimer {
		return "", fmt.Errorf("%w: %v is not the claimer of swap %v",
			ErrUnauthorized, requester, swapID)
	}

	// Replay returns the recorded claim unchanged.
	if s.ClaimTxid != "" {
		return s.ClaimTxid, nil
	}

	if len(s.Preimage) != lntypes.PreimageSize {
		return "", fmt.Errorf("%w: no payment preimage recorded for "+
			"swap %v", ErrSwapNotReady, swapID)
	}

	preimage, err := lntypes.MakePreimage(s.Preimage)
	if err != nil {
		return "", err
	}

	req, err := m.spendRequest(s, SpendPathClaim)
	if err != nil {
		return "", err
	}
	req.Preimage = preimage

	// Claiming to the buyer's address in the forward direction, to the
	// operator wallet in the reverse direction.
	if s.Direction == swapdb.DirectionForward {
		req.DestAddress = s.BuyerLedgerAddress
	} else {
		req.DestAddress = m.cfg.OperatorSweepAddress
	}

	m.signerMtx.Lock()
	defer m.signerMtx.Unlock()

	callCtx, cancel := m.callCtx(ctx)
	claimTxid, err := m.cfg.Ledger.SpendLock(callCtx, req)
	cancel()
	if err != nil {
		return "", fmt.Errorf("%w: spend claim path: %v",
			ErrLedgerUnavailable, err)
	}

	err = m.cfg.Store.SetSwapClaimTx(
		ctx, swapID, claimTxid.String(), m.cfg.Store.Now(),
	)
	if err != nil {
		return "", err
	}

	m.swapLog(s.PaymentHash).Infof("Broadcast claim %v for swap %v",
		claimTxid, swapID)

	return claimTxid.String(), nil
}

// spendRequest assembles the common part of a lock spending request.
func (m *Manager) spendRequest(s *swapdb.Swap,
	path SpendPath) (*SpendLockRequest, error) {

	fundingHash, err := chainhash.NewHashFromStr(s.FundingTxid)
	if err != nil {
		return nil, err
	}

	req := &SpendLockRequest{
		AssetOutpoint: wire.OutPoint{
			Hash:  *fundingHash,
			Index: s.AssetVout,
		},
		LockScript: s.LockScript,
		Path:       path,
	}

	if s.FeeSubsidySats > 0 {
		req.SubsidyOutpoint = wire.OutPoint{
			Hash:  *fundingHash,
			Index: s.SubsidyVout,
		}
	}

	return req, nil
}

// swapLog returns a logger prefixed with the swap's payment hash.
func (m *Manager) swapLog(hash lntypes.Hash) *swap.PrefixLog {
	return &swap.PrefixLog{
		Logger: log,
		Hash:   hash,
	}
}
