package lswap

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/liquidswap/lswap/swap"
	"github.com/liquidswap/lswap/swapdb"
)

// Run drives the background watchers until the context is cancelled. The
// watchers communicate with the rest of the engine only through the store's
// transactional state, so a missed poll never corrupts a swap; the next
// tick observes the same ledger facts again.
func (m *Manager) Run(ctx context.Context) error {
	m.cfg.FundingTicker.Resume()
	defer m.cfg.FundingTicker.Stop()

	m.cfg.SpendTicker.Resume()
	defer m.cfg.SpendTicker.Stop()

	m.cfg.RefundTicker.Resume()
	defer m.cfg.RefundTicker.Stop()

	log.Infof("Swap watchers running")

	for {
		select {
		case <-m.cfg.FundingTicker.Ticks():
			if err := m.pollFunding(ctx); err != nil {
				log.Errorf("Funding watcher: %v", err)
			}

		case <-m.cfg.SpendTicker.Ticks():
			if err := m.pollSpends(ctx); err != nil {
				log.Errorf("Spend watcher: %v", err)
			}

		case <-m.cfg.RefundTicker.Ticks():
			if err := m.pollRefunds(ctx); err != nil {
				log.Errorf("Refund trigger: %v", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pollFunding advances swaps whose funding transaction reached the
// confirmation threshold and re-checks recently funded swaps for
// confirmation regressions caused by reorgs.
func (m *Manager) pollFunding(ctx context.Context) error {
	created, err := m.cfg.Store.ListSwapsByStatus(
		ctx, swapdb.StatusCreated,
	)
	if err != nil {
		return err
	}

	for _, s := range created {
		confs, err := m.confirmations(ctx, s)
		if err != nil {
			m.swapLog(s.PaymentHash).Warnf("Confirmation check "+
				"of swap %v: %v", s.SwapID, err)
			continue
		}

		if confs < s.MinFundingConfs {
			continue
		}

		// The compare-and-set loses harmlessly if a spend
		// observation already moved the swap on.
		ok, err := m.cfg.Store.UpdateSwapStatus(
			ctx, s.SwapID, swapdb.StatusCreated,
			swapdb.StatusFunded,
		)
		if err != nil {
			return err
		}
		if ok {
			m.swapLog(s.PaymentHash).Infof("Swap %v funded with "+
				"%v confirmations", s.SwapID, confs)
		}
	}

	// Statuses never regress on a reorg. Until the funding transaction
	// is buried past the reorg safe depth, a regression below the
	// threshold is logged loudly and the watcher re-arms.
	funded, err := m.cfg.Store.ListSwapsByStatus(ctx, swapdb.StatusFunded)
	if err != nil {
		return err
	}

	for _, s := range funded {
		confs, err := m.confirmations(ctx, s)
		if err != nil {
			continue
		}

		if confs >= m.cfg.ReorgSafeDepth {
			continue
		}

		if confs < s.MinFundingConfs {
			m.swapLog(s.PaymentHash).Warnf("Funding of swap %v "+
				"regressed to %v confirmations, re-arming "+
				"watch", s.SwapID, confs)
		}
	}

	return nil
}

// confirmations returns the confirmation count of a swap's funding
// transaction.
func (m *Manager) confirmations(ctx context.Context,
	s *swapdb.Swap) (uint32, error) {

	txid, err := chainhash.NewHashFromStr(s.FundingTxid)
	if err != nil {
		return 0, err
	}

	callCtx, cancel := m.callCtx(ctx)
	defer cancel()

	confs, err := m.cfg.Ledger.GetConfirmations(callCtx, *txid)
	if err != nil {
		return 0, fmt.Errorf("%w: get confirmations: %v",
			ErrLedgerUnavailable, err)
	}

	return confs, nil
}

// pollSpends watches the lock outputs of pending swaps and applies the
// terminal transition matching the observed spend path.
func (m *Manager) pollSpends(ctx context.Context) error {
	for _, status := range []swapdb.SwapStatus{
		swapdb.StatusCreated, swapdb.StatusFunded,
	} {
		swaps, err := m.cfg.Store.ListSwapsByStatus(ctx, status)
		if err != nil {
			return err
		}

		for _, s := range swaps {
			err := m.checkSpend(ctx, s)
			if err != nil {
				m.swapLog(s.PaymentHash).Warnf("Spend check "+
					"of swap %v: %v", s.SwapID, err)
			}
		}
	}

	return nil
}

// checkSpend applies the Claimed or Refunded transition if the swap's lock
// output has been spent.
func (m *Manager) checkSpend(ctx context.Context, s *swapdb.Swap) error {
	txid, err := chainhash.NewHashFromStr(s.FundingTxid)
	if err != nil {
		return err
	}

	callCtx, cancel := m.callCtx(ctx)
	detail, err := m.cfg.Ledger.GetSpend(callCtx, wire.OutPoint{
		Hash:  *txid,
		Index: s.AssetVout,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("%w: get spend: %v", ErrLedgerUnavailable, err)
	}
	if detail == nil {
		return nil
	}

	logger := m.swapLog(s.PaymentHash)
	spendTxid := detail.SpendTxid.String()
	now := m.cfg.Store.Now()

	if swap.IsClaimWitness(detail.Witness) {
		err := m.cfg.Store.SetSwapClaimTx(ctx, s.SwapID, spendTxid, now)
		if err != nil {
			return err
		}

		ok, err := m.cfg.Store.UpdateSwapStatus(
			ctx, s.SwapID, s.Status, swapdb.StatusClaimed,
		)
		if err != nil {
			return err
		}
		if ok {
			logger.Infof("Swap %v claimed by %v", s.SwapID,
				spendTxid)
		}

		return nil
	}

	err = m.cfg.Store.SetSwapRefundTx(ctx, s.SwapID, spendTxid, now)
	if err != nil {
		return err
	}

	ok, err := m.cfg.Store.UpdateSwapStatus(
		ctx, s.SwapID, s.Status, swapdb.StatusRefunded,
	)
	if err != nil {
		return err
	}
	if ok {
		logger.Infof("Swap %v refunded by %v", s.SwapID, spendTxid)
	}

	return nil
}

// pollRefunds broadcasts the refund transaction for funded swaps whose
// refund deadline has passed, where the operator holds the refund role. The
// status flips once the spend watcher observes the refund on the ledger.
func (m *Manager) pollRefunds(ctx context.Context) error {
	callCtx, cancel := m.callCtx(ctx)
	height, err := m.cfg.Ledger.ChainHeight(callCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: chain height: %v",
			ErrLedgerUnavailable, err)
	}

	funded, err := m.cfg.Store.ListSwapsByStatus(ctx, swapdb.StatusFunded)
	if err != nil {
		return err
	}

	for _, s := range funded {
		// Buyer-held refund paths are executed by the buyer's own
		// wallet; the spend watcher just records them.
		if s.Parties.Refunder != m.cfg.OperatorID {
			continue
		}

		if s.RefundTxid != "" || height < s.RefundLockHeight {
			continue
		}

		err := m.broadcastRefund(ctx, s)
		if err != nil {
			m.swapLog(s.PaymentHash).Errorf("Refund of swap %v: "+
				"%v", s.SwapID, err)
		}
	}

	return nil
}

// broadcastRefund spends the lock's refund path back to the operator
// wallet.
func (m *Manager) broadcastRefund(ctx context.Context, s *swapdb.Swap) error {
	req, err := m.spendRequest(s, SpendPathRefund)
	if err != nil {
		return err
	}
	req.LockTime = s.RefundLockHeight
	req.DestAddress = m.cfg.OperatorSweepAddress

	m.signerMtx.Lock()
	defer m.signerMtx.Unlock()

	callCtx, cancel := m.callCtx(ctx)
	refundTxid, err := m.cfg.Ledger.SpendLock(callCtx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: spend refund path: %v",
			ErrLedgerUnavailable, err)
	}

	err = m.cfg.Store.SetSwapRefundTx(
		ctx, s.SwapID, refundTxid.String(), m.cfg.Store.Now(),
	)
	if err != nil {
		return err
	}

	m.swapLog(s.PaymentHash).Infof("Broadcast refund %v for swap %v",
		refundTxid, s.SwapID)

	return nil
}
