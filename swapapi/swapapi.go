// Package swapapi defines the JSON wire types of the swap daemon's REST
// API, together with the conversions from the engine's internal records.
package swapapi

import (
	"fmt"
	"time"

	"github.com/liquidswap/lswap/swapdb"
)

// Offer is the wire form of the operator's live offer.
type Offer struct {
	OfferID           string `json:"offer_id,omitempty"`
	AssetID           string `json:"asset_id"`
	PriceMsatPerUnit  uint64 `json:"price_msat_per_unit"`
	FeeSubsidySats    uint64 `json:"fee_subsidy_sats"`
	RefundDeltaBlocks uint32 `json:"refund_delta_blocks"`
	InvoiceExpirySecs uint64 `json:"invoice_expiry_secs"`
	MaxFundingConfs   uint32 `json:"max_funding_confs"`
}

// CreateQuoteRequest asks for a price reservation under the live offer.
type CreateQuoteRequest struct {
	Direction       string `json:"direction"`
	AssetID         string `json:"asset_id"`
	AssetAmount     uint64 `json:"asset_amount"`
	MinFundingConfs uint32 `json:"min_funding_confs"`
}

// Quote is the wire form of a price reservation.
type Quote struct {
	QuoteID         string    `json:"quote_id"`
	OfferID         string    `json:"offer_id"`
	Direction       string    `json:"direction"`
	AssetID         string    `json:"asset_id"`
	AssetAmount     uint64    `json:"asset_amount"`
	TotalPriceMsat  uint64    `json:"total_price_msat"`
	FeeSubsidySats  uint64    `json:"fee_subsidy_sats"`
	MinFundingConfs uint32    `json:"min_funding_confs"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	SwapID          string    `json:"swap_id,omitempty"`
}

// CreateSwapRequest consumes a quote into a funded swap. The idempotency
// key travels in the Idempotency-Key header, not the body.
type CreateSwapRequest struct {
	QuoteID            string `json:"quote_id"`
	BuyerLedgerAddress string `json:"buyer_ledger_address"`
	BuyerInvoice       string `json:"buyer_invoice,omitempty"`
}

// Parties is the wire form of the resolved role assignments.
type Parties struct {
	Payer    string `json:"payer"`
	Payee    string `json:"payee"`
	Claimer  string `json:"claimer"`
	Refunder string `json:"refunder"`
}

// Swap is the wire form of a swap record.
type Swap struct {
	SwapID           string    `json:"swap_id"`
	QuoteID          string    `json:"quote_id"`
	Direction        string    `json:"direction"`
	Status           string    `json:"status"`
	Parties          Parties   `json:"parties"`
	Invoice          string    `json:"invoice"`
	PaymentHash      string    `json:"payment_hash"`
	AssetID          string    `json:"asset_id"`
	AssetAmount      uint64    `json:"asset_amount"`
	TotalPriceMsat   uint64    `json:"total_price_msat"`
	RefundLockHeight uint32    `json:"refund_lock_height"`
	MinFundingConfs  uint32    `json:"min_funding_confs"`
	LockAddress      string    `json:"lock_address"`
	FundingTxid      string    `json:"funding_txid"`
	PaymentID        string    `json:"payment_id,omitempty"`
	ClaimTxid        string    `json:"claim_txid,omitempty"`
	RefundTxid       string    `json:"refund_txid,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PaymentResponse carries the payment identifier of a settled invoice.
type PaymentResponse struct {
	PaymentID string `json:"payment_id"`
}

// ClaimResponse carries the broadcast claim transaction.
type ClaimResponse struct {
	ClaimTxid string `json:"claim_txid"`
}

// Error is the wire form of a rejected call.
type Error struct {
	Error string `json:"error"`
}

// ParseDirection maps the wire direction to the store enum.
func ParseDirection(s string) (swapdb.SwapDirection, error) {
	switch s {
	case "forward":
		return swapdb.DirectionForward, nil

	case "reverse":
		return swapdb.DirectionReverse, nil

	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// MarshalQuote converts a stored quote to its wire form.
func MarshalQuote(q *swapdb.Quote) *Quote {
	return &Quote{
		QuoteID:         q.QuoteID,
		OfferID:         q.OfferID,
		Direction:       q.Direction.String(),
		AssetID:         q.AssetID,
		AssetAmount:     q.AssetAmount,
		TotalPriceMsat:  uint64(q.TotalPriceMsat),
		FeeSubsidySats:  q.FeeSubsidySats,
		MinFundingConfs: q.MinFundingConfs,
		CreatedAt:       q.CreatedAt,
		ExpiresAt:       q.ExpiresAt,
		SwapID:          q.SwapID,
	}
}

// MarshalSwap converts a stored swap to its wire form. The lock script and
// preimage stay internal.
func MarshalSwap(s *swapdb.Swap) *Swap {
	return &Swap{
		SwapID:    s.SwapID,
		QuoteID:   s.QuoteID,
		Direction: s.Direction.String(),
		Status:    s.Status.String(),
		Parties: Parties{
			Payer:    s.Parties.Payer,
			Payee:    s.Parties.Payee,
			Claimer:  s.Parties.Claimer,
			Refunder: s.Parties.Refunder,
		},
		Invoice:          s.Invoice,
		PaymentHash:      s.PaymentHash.String(),
		AssetID:          s.AssetID,
		AssetAmount:      s.AssetAmount,
		TotalPriceMsat:   uint64(s.TotalPriceMsat),
		RefundLockHeight: s.RefundLockHeight,
		MinFundingConfs:  s.MinFundingConfs,
		LockAddress:      s.LockAddress,
		FundingTxid:      s.FundingTxid,
		PaymentID:        s.PaymentID,
		ClaimTxid:        s.ClaimTxid,
		RefundTxid:       s.RefundTxid,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}
