package swapdb

import (
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// SwapDirection states which network the payer pays on and which network the
// claimer claims on.
type SwapDirection uint8

const (
	// DirectionForward is a swap where the buyer pays the invoice on the
	// payment network and claims the asset lock on the ledger. The
	// operator mints the invoice and may refund the lock after the
	// deadline.
	DirectionForward SwapDirection = 0

	// DirectionReverse is the mirror image: the operator pays a buyer
	// supplied invoice and claims the lock, while the buyer holds the
	// refund path.
	DirectionReverse SwapDirection = 1
)

// String returns a string representation of the direction.
func (d SwapDirection) String() string {
	switch d {
	case DirectionForward:
		return "forward"

	case DirectionReverse:
		return "reverse"

	default:
		return "unknown"
	}
}

// Parties binds the four abstract swap roles to concrete authorization
// identities. The binding is resolved once at creation time from the swap
// direction and stored with the swap, rather than re-derived on every call.
type Parties struct {
	// Payer is the identity that pays the invoice on the payment
	// network.
	Payer string

	// Payee is the identity the invoice pays to.
	Payee string

	// Claimer is the identity allowed to spend the lock's claim path.
	Claimer string

	// Refunder is the identity allowed to spend the lock's refund path
	// after the deadline.
	Refunder string
}

// Quote is a persisted price reservation. All fields are immutable after
// creation except SwapID, which is set once the quote is consumed.
type Quote struct {
	// QuoteID identifies the quote.
	QuoteID string

	// OfferID is the identifier of the offer version the quote was
	// derived from. Swap creation is rejected if this no longer matches
	// the live offer.
	OfferID string

	// Direction is the requested swap direction.
	Direction SwapDirection

	// AssetID is the ledger asset being swapped.
	AssetID string

	// AssetAmount is the requested amount in asset units.
	AssetAmount uint64

	// TotalPriceMsat is the computed invoice amount.
	TotalPriceMsat lnwire.MilliSatoshi

	// PriceMsatPerUnit is the offer price the total was computed with.
	PriceMsatPerUnit lnwire.MilliSatoshi

	// FeeSubsidySats is the policy-asset amount carried into the lock to
	// subsidize the claim or refund fee.
	FeeSubsidySats uint64

	// RefundDeltaBlocks is the offer's refund delta at quoting time.
	RefundDeltaBlocks uint32

	// MinFundingConfs is the confirmation count the funding transaction
	// must reach before the swap is considered funded.
	MinFundingConfs uint32

	// CreatedAt is the quote creation time.
	CreatedAt time.Time

	// ExpiresAt is the time after which the quote can no longer be
	// consumed.
	ExpiresAt time.Time

	// SwapID is the swap this quote was consumed by, if any.
	SwapID string
}

// Swap is the full persisted swap record, including the resolved party
// roles, the lock script reference and all transaction references.
type Swap struct {
	// SwapID identifies the swap.
	SwapID string

	// QuoteID is the quote this swap was created from.
	QuoteID string

	// Direction is the swap direction.
	Direction SwapDirection

	// Parties are the role assignments resolved at creation time.
	Parties Parties

	// Invoice is the bolt11 invoice tied to the swap.
	Invoice string

	// PaymentHash is the invoice's payment hash. It always equals the
	// lock script's hash commitment.
	PaymentHash lntypes.Hash

	// AssetID is the ledger asset held by the lock.
	AssetID string

	// AssetAmount is the locked asset amount.
	AssetAmount uint64

	// TotalPriceMsat is the invoice amount.
	TotalPriceMsat lnwire.MilliSatoshi

	// FeeSubsidySats is the policy-asset amount locked alongside the
	// asset.
	FeeSubsidySats uint64

	// RefundLockHeight is the absolute ledger height of the refund
	// deadline.
	RefundLockHeight uint32

	// MinFundingConfs is the confirmation threshold for funding.
	MinFundingConfs uint32

	// LockAddress is the ledger address of the lock output.
	LockAddress string

	// LockScript is the serialized witness script of the lock.
	LockScript []byte

	// BuyerLedgerAddress is the buyer's ledger address, used for the
	// buyer-side spend path key.
	BuyerLedgerAddress string

	// FundingTxid is the transaction that funded the lock.
	FundingTxid string

	// AssetVout is the funding output index carrying the asset.
	AssetVout uint32

	// SubsidyVout is the funding output index carrying the fee subsidy.
	SubsidyVout uint32

	// PaymentID is the payment network payment identifier, set once the
	// invoice has been paid.
	PaymentID string

	// Preimage is the verified payment preimage, set together with
	// PaymentID.
	Preimage []byte

	// ClaimTxid is the transaction that spent the claim path, if
	// observed or broadcast.
	ClaimTxid string

	// RefundTxid is the transaction that spent the refund path, if
	// observed or broadcast.
	RefundTxid string

	// Status is the current lifecycle status.
	Status SwapStatus

	// CreatedAt is the swap creation time.
	CreatedAt time.Time

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time
}

// UnitStatus is the lifecycle state of a collateral unit.
type UnitStatus string

const (
	// UnitStatusFree marks a unit available for reservation.
	UnitStatusFree UnitStatus = "free"

	// UnitStatusReserved marks a unit pledged to a pending swap.
	UnitStatusReserved UnitStatus = "reserved"

	// UnitStatusSpent marks a unit consumed by a broadcast funding
	// transaction.
	UnitStatusSpent UnitStatus = "spent"
)

// CollateralUnit is a concrete collateral parcel that can be pledged to at
// most one non-terminal swap.
type CollateralUnit struct {
	// UnitID identifies the unit, typically the wallet outpoint.
	UnitID string

	// AssetID is the asset the unit is denominated in. Fee subsidy
	// units are denominated in the ledger's policy asset.
	AssetID string

	// Amount is the unit amount in asset base units.
	Amount uint64

	// Status is the reservation status.
	Status UnitStatus

	// SwapID is the swap holding the reservation, if any.
	SwapID string
}
