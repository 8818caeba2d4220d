package lswap

import (
	"context"
	"testing"
	"time"

	"github.com/liquidswap/lswap/swapdb"
	"github.com/stretchr/testify/require"
)

// TestRefundPath funds a swap that never gets paid and asserts that the
// refund trigger reclaims the collateral once the deadline passes.
func TestRefundPath(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)

	c.confirmFunding(s)

	// Before the deadline the trigger must not act.
	c.ledger.setHeight(s.RefundLockHeight - 1)
	require.NoError(t, c.manager.pollRefunds(ctx))
	require.Empty(t, c.ledger.spendRequests)

	// Past the deadline the refund is broadcast with the lock-time the
	// script demands.
	c.ledger.setHeight(s.RefundLockHeight)
	require.NoError(t, c.manager.pollRefunds(ctx))

	require.Len(t, c.ledger.spendRequests, 1)
	refundReq := c.ledger.spendRequests[0]
	require.Equal(t, SpendPathRefund, refundReq.Path)
	require.Equal(t, s.RefundLockHeight, refundReq.LockTime)

	// A second tick does not broadcast again.
	require.NoError(t, c.manager.pollRefunds(ctx))
	require.Len(t, c.ledger.spendRequests, 1)

	// The status flips once the spend watcher observes the refund.
	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)

	c.ledger.addSpend(assetOutpoint(t, s), &SpendDetail{
		Witness: refundWitness(s.LockScript),
	})
	require.NoError(t, c.manager.pollSpends(ctx))

	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusRefunded, s.Status)
}

// TestRefundBuyerHeld asserts that the trigger leaves buyer-held refund
// paths alone in the reverse direction.
func TestRefundBuyerHeld(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionReverse, 1000)
	invoice := genTestInvoice(t, quote.TotalPriceMsat, testPreimage(3),
		testTime)

	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		BuyerInvoice:       invoice,
	})
	require.NoError(t, err)

	c.confirmFunding(s)
	c.ledger.setHeight(s.RefundLockHeight + 10)

	require.NoError(t, c.manager.pollRefunds(ctx))
	require.Empty(t, c.ledger.spendRequests)

	// The buyer's own refund spend is still recorded when observed.
	c.ledger.addSpend(assetOutpoint(t, s), &SpendDetail{
		Witness: refundWitness(s.LockScript),
	})
	require.NoError(t, c.manager.pollSpends(ctx))

	s, err = c.manager.GetSwap(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusRefunded, s.Status)
	require.NotEmpty(t, s.RefundTxid)
}

// TestFundingReorg asserts that a confirmation regression never moves a
// funded swap backwards.
func TestFundingReorg(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)

	c.confirmFunding(s)

	// A reorg drops the funding transaction back to zero confirmations.
	c.ledger.setConfs(s.FundingTxid, 0)
	require.NoError(t, c.manager.pollFunding(ctx))

	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)

	// The watcher re-arms and survives the regression.
	c.ledger.setConfs(s.FundingTxid, s.MinFundingConfs)
	require.NoError(t, c.manager.pollFunding(ctx))

	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)
}

// TestRunWatchers drives the combined watcher loop through forced ticks.
func TestRunWatchers(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	errChan := make(chan error, 1)
	go func() {
		errChan <- c.manager.Run(runCtx)
	}()

	c.ledger.setConfs(s.FundingTxid, s.MinFundingConfs)
	c.manager.cfg.FundingTicker.Force <- testTime

	// The loop processes ticks serially, so once the next tick is
	// accepted the previous transition has been applied.
	c.manager.cfg.FundingTicker.Force <- testTime

	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)

	cancel()
	require.ErrorIs(t, <-errChan, context.Canceled)
}

func testPreimage(b byte) (p [32]byte) {
	p[0] = b
	return p
}
