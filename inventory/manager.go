// Package inventory tracks the operator's collateral parcels and pledges
// them to swaps. A parcel is reserved by at most one pending swap; the
// reservation is taken inside the same database transaction that creates
// the swap, so a crash can never leave collateral pledged to a swap that
// was not recorded.
package inventory

import (
	"context"
	"errors"

	"github.com/liquidswap/lswap/swapdb"
)

var (
	// ErrInsufficientInventory is returned when the free collateral of
	// an asset cannot cover a requested reservation.
	ErrInsufficientInventory = errors.New("insufficient collateral inventory")
)

// CollateralSource enumerates the collateral parcels the operator wallet
// currently controls.
type CollateralSource interface {
	// ListCollateral returns all spendable collateral parcels.
	ListCollateral(ctx context.Context) ([]*swapdb.CollateralUnit, error)
}

// Config contains all the services the inventory manager needs to operate.
type Config struct {
	// Store is the underlying swap database.
	Store *swapdb.SwapStore

	// Source is the wallet-side view of available collateral.
	Source CollateralSource

	// PolicyAssetID is the ledger's fee asset, used for fee subsidy
	// reservations.
	PolicyAssetID string
}

// Manager pledges and releases collateral for swaps.
type Manager struct {
	cfg *Config
}

// NewManager creates a new inventory manager.
func NewManager(cfg *Config) *Manager {
	return &Manager{
		cfg: cfg,
	}
}

// Sync registers any collateral parcels the wallet reports that the ledger
// does not know yet. Known parcels keep their reservation state, so a sync
// can run at any time without disturbing pending swaps.
func (m *Manager) Sync(ctx context.Context) error {
	units, err := m.cfg.Source.ListCollateral(ctx)
	if err != nil {
		return err
	}

	for _, unit := range units {
		err := m.cfg.Store.UpsertCollateralUnit(ctx, unit)
		if err != nil {
			return err
		}
	}

	log.Debugf("Synced %v collateral units from wallet", len(units))

	return nil
}

// Reservation is the set of parcels pledged to a swap.
type Reservation struct {
	// AssetUnits are the parcels covering the swapped asset amount.
	AssetUnits []*swapdb.CollateralUnit

	// SubsidyUnits are the policy asset parcels covering the fee
	// subsidy, if any was requested.
	SubsidyUnits []*swapdb.CollateralUnit
}

// Reserve pledges free parcels to the given swap until the asset amount and
// fee subsidy are covered. It must be called with the query handle of an
// open write transaction so that the reservation commits atomically with
// the swap row. Parcels lost to a concurrent reservation are skipped; if
// the remaining pool cannot cover the request, ErrInsufficientInventory is
// returned and the transaction should be rolled back.
func (m *Manager) Reserve(ctx context.Context, q *swapdb.Queries,
	swapID, assetID string, assetAmount,
	subsidySats uint64) (*Reservation, error) {

	assetUnits, err := m.reserveAsset(ctx, q, swapID, assetID, assetAmount)
	if err != nil {
		return nil, err
	}

	reservation := &Reservation{
		AssetUnits: assetUnits,
	}

	if subsidySats > 0 {
		reservation.SubsidyUnits, err = m.reserveAsset(
			ctx, q, swapID, m.cfg.PolicyAssetID, subsidySats,
		)
		if err != nil {
			return nil, err
		}
	}

	return reservation, nil
}

// reserveAsset greedily reserves free parcels of one asset, largest first,
// until the target amount is covered.
func (m *Manager) reserveAsset(ctx context.Context, q *swapdb.Queries,
	swapID, assetID string, amount uint64) ([]*swapdb.CollateralUnit,
	error) {

	free, err := q.ListFreeUnits(ctx, assetID)
	if err != nil {
		return nil, err
	}

	var (
		reserved []*swapdb.CollateralUnit
		covered  uint64
	)
	for _, unit := range free {
		if covered >= amount {
			break
		}

		ok, err := q.ReserveUnit(ctx, unit.UnitID, swapID)
		if err != nil {
			return nil, err
		}

		// Lost to a concurrent reservation, try the next parcel.
		if !ok {
			continue
		}

		reserved = append(reserved, unit)
		covered += unit.Amount
	}

	if covered < amount {
		log.Warnf("Swap %v needs %v of asset %v, only %v free",
			swapID, amount, assetID, covered)

		return nil, ErrInsufficientInventory
	}

	return reserved, nil
}

// Commit marks the parcels pledged to a swap as spent. Called once the
// funding transaction referencing them has been broadcast.
func (m *Manager) Commit(ctx context.Context, q *swapdb.Queries,
	swapID string) error {

	return q.SpendUnits(ctx, swapID)
}

// Release returns all parcels pledged to a swap to the free pool. Called
// when swap creation fails after the reservation was taken.
func (m *Manager) Release(ctx context.Context, swapID string) error {
	return m.cfg.Store.ReleaseUnits(ctx, swapID)
}

// RecoverOrphans frees reservations left behind by a crash between the
// reservation and the swap record. Run once on startup before any new
// reservations are taken.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	freed, err := m.cfg.Store.ReleaseOrphanedUnits(ctx)
	if err != nil {
		return err
	}

	if freed > 0 {
		log.Infof("Recovered %v orphaned collateral reservations",
			freed)
	}

	return nil
}

// FreeBalance returns the total free amount of an asset.
func (m *Manager) FreeBalance(ctx context.Context, assetID string) (uint64,
	error) {

	free, err := m.cfg.Store.ListFreeUnits(ctx, assetID)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, unit := range free {
		total += unit.Amount
	}

	return total, nil
}
