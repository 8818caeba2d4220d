package lswap

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/liquidswap/lswap/swapdb"
)

// LightningClient is the payment network capability the engine consumes.
// Implementations wrap an external node; the engine never touches payment
// channel state itself.
type LightningClient interface {
	// CreateInvoice mints an invoice for the given amount and returns
	// it together with its payment hash.
	CreateInvoice(ctx context.Context, amt lnwire.MilliSatoshi,
		memo string, expiry time.Duration) (string, lntypes.Hash,
		error)

	// PayInvoice dispatches a payment for the given invoice and returns
	// a payment identifier that can be used to track it.
	PayInvoice(ctx context.Context, invoice string,
		timeout time.Duration) (string, error)

	// WaitPreimage blocks until the payment identified by paymentID
	// settles and returns the settlement preimage.
	WaitPreimage(ctx context.Context, paymentID string,
		timeout time.Duration) (lntypes.Preimage, error)
}

// FundLockRequest asks the ledger wallet to build, sign and broadcast the
// transaction funding a lock output. The listed collateral units have
// already been reserved for the swap and are the only inputs the wallet may
// spend.
type FundLockRequest struct {
	// LockAddress is the address of the lock script.
	LockAddress string

	// PkScript is the output script paying to the lock.
	PkScript []byte

	// AssetID is the asset to lock.
	AssetID string

	// AssetAmount is the asset amount to lock.
	AssetAmount uint64

	// SubsidySats is the policy asset amount locked alongside the asset
	// to subsidize the claim or refund fee. Zero disables the subsidy
	// output.
	SubsidySats uint64

	// UnitIDs are the reserved collateral units funding the
	// transaction.
	UnitIDs []string
}

// FundLockResult describes the broadcast funding transaction.
type FundLockResult struct {
	// Txid is the funding transaction id.
	Txid chainhash.Hash

	// AssetVout is the output index carrying the locked asset.
	AssetVout uint32

	// SubsidyVout is the output index carrying the fee subsidy.
	SubsidyVout uint32
}

// SpendPath selects which branch of the lock script a spend uses.
type SpendPath uint8

const (
	// SpendPathClaim spends through the preimage branch.
	SpendPathClaim SpendPath = 0

	// SpendPathRefund spends through the timeout branch.
	SpendPathRefund SpendPath = 1
)

// SpendLockRequest asks the ledger wallet to build, sign and broadcast a
// transaction spending a lock output. The engine supplies the witness
// template; key material, fee handling and output blinding stay inside the
// wallet.
type SpendLockRequest struct {
	// AssetOutpoint is the lock output carrying the asset.
	AssetOutpoint wire.OutPoint

	// SubsidyOutpoint is the lock output carrying the fee subsidy.
	// Only set when the swap carries a subsidy.
	SubsidyOutpoint wire.OutPoint

	// LockScript is the lock's witness script.
	LockScript []byte

	// Path selects the claim or refund branch.
	Path SpendPath

	// Preimage is the payment preimage, required for the claim path.
	Preimage lntypes.Preimage

	// LockTime is the absolute height the transaction's lock-time must
	// be set to, required for the refund path.
	LockTime uint32

	// DestAddress is the address to sweep to. Empty lets the wallet
	// pick an internal address.
	DestAddress string
}

// SpendDetail describes an observed spend of a lock output.
type SpendDetail struct {
	// SpendTxid is the spending transaction id.
	SpendTxid chainhash.Hash

	// Witness is the witness stack of the spending input, used to
	// classify the spend path.
	Witness wire.TxWitness
}

// LedgerClient is the asset ledger capability the engine consumes. The
// implementation wraps the operator's ledger wallet.
type LedgerClient interface {
	// FundLock builds, signs and broadcasts the funding transaction for
	// a lock output.
	FundLock(ctx context.Context,
		req *FundLockRequest) (*FundLockResult, error)

	// SpendLock builds, signs and broadcasts a transaction spending a
	// lock output through the requested path.
	SpendLock(ctx context.Context,
		req *SpendLockRequest) (chainhash.Hash, error)

	// GetConfirmations returns the confirmation count of a transaction,
	// zero if unconfirmed.
	GetConfirmations(ctx context.Context,
		txid chainhash.Hash) (uint32, error)

	// GetSpend returns how an output was spent, or nil if it is still
	// unspent.
	GetSpend(ctx context.Context, op wire.OutPoint) (*SpendDetail, error)

	// ChainHeight returns the current ledger height.
	ChainHeight(ctx context.Context) (uint32, error)

	// ListCollateral returns all spendable collateral parcels of the
	// wallet.
	ListCollateral(ctx context.Context) ([]*swapdb.CollateralUnit, error)
}
