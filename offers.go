package lswap

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/liquidswap/lswap/swapdb"
)

// Offer is the operator controlled pricing and policy snapshot. An offer is
// immutable; policy changes install a new offer with a new id, and quotes
// derived from the old offer are rejected at swap creation.
type Offer struct {
	// AssetID is the ledger asset this offer prices.
	AssetID string

	// PriceMsatPerUnit is the price of one asset unit.
	PriceMsatPerUnit lnwire.MilliSatoshi

	// FeeSubsidySats is the policy asset amount locked alongside the
	// asset to subsidize the counterparty's claim fee.
	FeeSubsidySats uint64

	// RefundDeltaBlocks is the number of ledger blocks between funding
	// and the refund deadline.
	RefundDeltaBlocks uint32

	// InvoiceExpiry bounds both the swap invoice and the quote
	// lifetime.
	InvoiceExpiry time.Duration

	// MaxFundingConfs is the highest confirmation threshold a quote may
	// request.
	MaxFundingConfs uint32
}

// ID returns the offer identifier, the hex encoded sha256 of the offer's
// canonical encoding. Any policy change yields a new id.
func (o *Offer) ID() string {
	h := sha256.New()

	binary.Write(h, binary.BigEndian, uint32(len(o.AssetID)))
	h.Write([]byte(o.AssetID))
	binary.Write(h, binary.BigEndian, uint64(o.PriceMsatPerUnit))
	binary.Write(h, binary.BigEndian, o.FeeSubsidySats)
	binary.Write(h, binary.BigEndian, o.RefundDeltaBlocks)
	binary.Write(h, binary.BigEndian, uint64(o.InvoiceExpiry/time.Second))
	binary.Write(h, binary.BigEndian, o.MaxFundingConfs)

	return hex.EncodeToString(h.Sum(nil))
}

// SetOffer atomically installs a new live offer.
func (m *Manager) SetOffer(offer *Offer) {
	m.offerMtx.Lock()
	defer m.offerMtx.Unlock()

	m.offer = offer

	log.Infof("Installed offer %v: asset=%v price=%v msat/unit "+
		"subsidy=%v sat refund_delta=%v blocks",
		offer.ID()[:8], offer.AssetID, uint64(offer.PriceMsatPerUnit),
		offer.FeeSubsidySats, offer.RefundDeltaBlocks)
}

// CurrentOffer returns the live offer, or nil if none is installed.
func (m *Manager) CurrentOffer() *Offer {
	m.offerMtx.Lock()
	defer m.offerMtx.Unlock()

	return m.offer
}

// QuoteRequest are the caller supplied parameters of a quote.
type QuoteRequest struct {
	// Direction is the requested swap direction.
	Direction swapdb.SwapDirection

	// AssetID is the asset to swap.
	AssetID string

	// AssetAmount is the amount in asset units.
	AssetAmount uint64

	// MinFundingConfs is the confirmation threshold for funding. Zero
	// selects a threshold of one confirmation.
	MinFundingConfs uint32
}

// CreateQuote snapshots the live offer into an immutable, time bounded
// quote.
func (m *Manager) CreateQuote(ctx context.Context,
	req *QuoteRequest) (*swapdb.Quote, error) {

	offer := m.CurrentOffer()
	if offer == nil {
		return nil, fmt.Errorf("%w: no live offer", ErrPolicyMismatch)
	}

	if req.AssetID != offer.AssetID {
		return nil, fmt.Errorf("%w: offer prices asset %v, not %v",
			ErrPolicyMismatch, offer.AssetID, req.AssetID)
	}

	if req.AssetAmount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrPolicyMismatch)
	}

	minConfs := req.MinFundingConfs
	if minConfs == 0 {
		minConfs = 1
	}
	if minConfs > offer.MaxFundingConfs {
		return nil, fmt.Errorf("%w: confirmation threshold %v above "+
			"offer maximum %v", ErrPolicyMismatch, minConfs,
			offer.MaxFundingConfs)
	}

	now := m.cfg.Clock.Now().UTC()
	quote := &swapdb.Quote{
		QuoteID:           uuid.NewString(),
		OfferID:           offer.ID(),
		Direction:         req.Direction,
		AssetID:           req.AssetID,
		AssetAmount:       req.AssetAmount,
		TotalPriceMsat:    offer.PriceMsatPerUnit * lnwire.MilliSatoshi(req.AssetAmount),
		PriceMsatPerUnit:  offer.PriceMsatPerUnit,
		FeeSubsidySats:    offer.FeeSubsidySats,
		RefundDeltaBlocks: offer.RefundDeltaBlocks,
		MinFundingConfs:   minConfs,
		CreatedAt:         now,
		ExpiresAt:         now.Add(offer.InvoiceExpiry),
	}

	err := m.cfg.Store.CreateQuote(ctx, quote)
	if err != nil {
		return nil, err
	}

	log.Infof("Created quote %v: %v %v units of %v for %v msat",
		quote.QuoteID, quote.Direction, quote.AssetAmount,
		quote.AssetID, uint64(quote.TotalPriceMsat))

	return quote, nil
}

// GetQuote fetches a quote by id.
func (m *Manager) GetQuote(ctx context.Context,
	quoteID string) (*swapdb.Quote, error) {

	quote, err := m.cfg.Store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, mapNotFound(err, ErrQuoteNotFound)
	}

	return quote, nil
}
