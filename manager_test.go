package lswap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/liquidswap/lswap/swap"
	"github.com/liquidswap/lswap/swapdb"
	"github.com/stretchr/testify/require"
)

// TestForwardSwapHappyPath walks a forward swap through its full lifecycle:
// quote, creation, funding, invoice payment and claim.
func TestForwardSwapHappyPath(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	require.Equal(t, lnwire.MilliSatoshi(1_000_000), quote.TotalPriceMsat)

	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		IdempotencyKey:     "req-1",
	})
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusCreated, s.Status)

	// The buyer pays and claims, the operator holds the refund path.
	require.Equal(t, testBuyer, s.Parties.Payer)
	require.Equal(t, testBuyer, s.Parties.Claimer)
	require.Equal(t, testOperator, s.Parties.Payee)
	require.Equal(t, testOperator, s.Parties.Refunder)

	// The lock script commits to the invoice's payment hash and to the
	// refund deadline derived from the offer delta.
	htlc, err := swap.ParseHtlcScript(s.LockScript, c.manager.cfg.ChainParams)
	require.NoError(t, err)
	require.Equal(t, s.PaymentHash, htlc.PaymentHash)
	require.Equal(t, testStartHeight+144, htlc.RefundLockHeight)
	require.Equal(t, s.LockAddress, htlc.Address.String())

	// Funding spent exactly the reserved collateral.
	require.Len(t, c.ledger.fundRequests, 1)
	fundReq := c.ledger.fundRequests[0]
	require.Equal(t, uint64(1000), fundReq.AssetAmount)
	require.Equal(t, uint64(500), fundReq.SubsidySats)
	require.Contains(t, fundReq.UnitIDs, "pol:0")

	// Payment is rejected until funding confirms.
	_, err = c.manager.CreateLightningPayment(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrSwapNotReady)

	c.confirmFunding(s)

	s, err = c.manager.GetSwap(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)

	paymentID, err := c.manager.CreateLightningPayment(
		ctx, s.SwapID, testBuyer,
	)
	require.NoError(t, err)
	require.NotEmpty(t, paymentID)

	// Replay returns the same payment without paying twice.
	replayID, err := c.manager.CreateLightningPayment(
		ctx, s.SwapID, testBuyer,
	)
	require.NoError(t, err)
	require.Equal(t, paymentID, replayID)
	require.Equal(t, 1, c.lightning.paymentCounter)

	claimTxid, err := c.manager.CreateAssetClaim(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.NotEmpty(t, claimTxid)

	// The claim sweeps to the buyer's ledger address with the recorded
	// preimage.
	require.Len(t, c.ledger.spendRequests, 1)
	spendReq := c.ledger.spendRequests[0]
	require.Equal(t, SpendPathClaim, spendReq.Path)
	require.Equal(t, c.buyerAddr, spendReq.DestAddress)

	s, err = c.manager.GetSwap(ctx, s.SwapID, testOperator)
	require.NoError(t, err)
	require.Equal(t, spendReq.Preimage.Hash(), s.PaymentHash)

	// The spend watcher observes the claim and applies the terminal
	// transition.
	c.ledger.addSpend(assetOutpoint(t, s), &SpendDetail{
		Witness: claimWitness(spendReq.Preimage, s.LockScript),
	})
	require.NoError(t, c.manager.pollSpends(ctx))

	s, err = c.manager.GetSwap(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusClaimed, s.Status)
}

// TestCreateSwapIdempotency asserts that replaying a creation with the same
// idempotency key returns the original swap and funds exactly once.
func TestCreateSwapIdempotency(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	req := &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		IdempotencyKey:     "req-1",
	}

	first, err := c.manager.CreateSwap(ctx, req)
	require.NoError(t, err)

	second, err := c.manager.CreateSwap(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.SwapID, second.SwapID)
	require.Equal(t, first.FundingTxid, second.FundingTxid)
	require.Len(t, c.ledger.fundRequests, 1)

	// A consumed quote resolves to its swap even without the key.
	third, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)
	require.Equal(t, first.SwapID, third.SwapID)
	require.Len(t, c.ledger.fundRequests, 1)
}

// TestCreateSwapStaleQuote asserts that a quote whose offer has been
// replaced is rejected.
func TestCreateSwapStaleQuote(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionReverse, 1000)

	// The operator moves the price.
	offer := testOffer()
	offer.PriceMsatPerUnit = 1100
	c.manager.SetOffer(offer)

	var preimage lntypes.Preimage
	preimage[0] = 9
	invoice := genTestInvoice(
		t, quote.TotalPriceMsat, preimage, testTime,
	)

	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		BuyerInvoice:       invoice,
	})
	require.ErrorIs(t, err, ErrPolicyMismatch)

	// No collateral was touched.
	free, err := c.inventory.FreeBalance(ctx, testAssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(2300), free)
}

// TestCreateSwapExpiredQuote asserts that an expired quote is rejected.
func TestCreateSwapExpiredQuote(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)

	c.clock.SetTime(testTime.Add(2 * time.Hour))

	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.ErrorIs(t, err, ErrQuoteExpired)
}

// TestCreateSwapRoleGating asserts that only buyers create swaps.
func TestCreateSwapRoleGating(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)

	for _, requester := range []string{testOperator, ""} {
		_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
			QuoteID:            quote.QuoteID,
			Requester:          requester,
			BuyerLedgerAddress: c.buyerAddr,
		})
		require.ErrorIs(t, err, ErrUnauthorized)
	}
}

// TestCreateSwapInsufficientInventory asserts that a creation exceeding the
// free pool fails cleanly and leaves the quote consumable.
func TestCreateSwapInsufficientInventory(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 2301)

	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.ErrorIs(t, err, ErrInsufficientInventory)

	dbQuote, err := c.manager.GetQuote(ctx, quote.QuoteID)
	require.NoError(t, err)
	require.Empty(t, dbQuote.SwapID)
}

// TestCreateSwapFundingFailure asserts that a failed broadcast releases the
// reservation and the quote link.
func TestCreateSwapFundingFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	c.ledger.fundErr = errors.New("wallet offline")

	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.ErrorContains(t, err, "wallet offline")

	free, err := c.inventory.FreeBalance(ctx, testAssetID)
	require.NoError(t, err)
	require.Equal(t, uint64(2300), free)

	// The quote survives the failure and can fund a retry.
	c.ledger.fundErr = nil
	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusCreated, s.Status)
}

// TestCreateSwapCanceledRequest asserts that a creation whose request
// context is canceled during the funding call still rolls back the
// reservation and the quote link, so the caller can retry.
func TestCreateSwapCanceledRequest(t *testing.T) {
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)

	// The caller gives up mid-broadcast. The wallet reports the
	// interrupted call as an error.
	ctx, cancel := context.WithCancel(context.Background())
	c.ledger.fundHook = cancel
	c.ledger.fundErr = context.Canceled

	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.Error(t, err)

	// The rollback ran despite the dead request context: the collateral
	// is back in the pool and the quote is consumable again.
	free, err := c.inventory.FreeBalance(
		context.Background(), testAssetID,
	)
	require.NoError(t, err)
	require.Equal(t, uint64(2300), free)

	dbQuote, err := c.manager.GetQuote(
		context.Background(), quote.QuoteID,
	)
	require.NoError(t, err)
	require.Empty(t, dbQuote.SwapID)

	c.ledger.fundHook = nil
	c.ledger.fundErr = nil
	s, err := c.manager.CreateSwap(
		context.Background(), &CreateSwapRequest{
			QuoteID:            quote.QuoteID,
			Requester:          testBuyer,
			BuyerLedgerAddress: c.buyerAddr,
		},
	)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusCreated, s.Status)
}

// TestPaymentNetworkDown asserts that a failed payment dispatch surfaces as
// a retryable unavailability error without moving the swap.
func TestPaymentNetworkDown(t *testing.T) {
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

	c.lightning.payErr = errors.New("no route to node")

	_, err = c.manager.CreateLightningPayment(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrPaymentNetworkUnavailable)

	s, err = c.manager.GetSwap(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFunded, s.Status)
	require.Empty(t, s.PaymentID)

	// The payment goes through once the network recovers.
	c.lightning.payErr = nil
	paymentID, err := c.manager.CreateLightningPayment(
		ctx, s.SwapID, testBuyer,
	)
	require.NoError(t, err)
	require.NotEmpty(t, paymentID)
}

// TestReverseSwap walks the reverse direction: the buyer supplies the
// invoice, the operator pays it and claims the lock, the buyer holds the
// refund path.
func TestReverseSwap(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionReverse, 1000)

	var preimage lntypes.Preimage
	preimage[0] = 7
	invoice := genTestInvoice(
		t, quote.TotalPriceMsat, preimage, testTime,
	)
	c.lightning.register(invoice, preimage)

	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		BuyerInvoice:       invoice,
	})
	require.NoError(t, err)

	require.Equal(t, testOperator, s.Parties.Payer)
	require.Equal(t, testOperator, s.Parties.Claimer)
	require.Equal(t, testBuyer, s.Parties.Payee)
	require.Equal(t, testBuyer, s.Parties.Refunder)
	require.Equal(t, preimage.Hash(), s.PaymentHash)

	c.confirmFunding(s)

	// The buyer is not the payer in this direction.
	_, err = c.manager.CreateLightningPayment(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrUnauthorized)

	paymentID, err := c.manager.CreateLightningPayment(
		ctx, s.SwapID, testOperator,
	)
	require.NoError(t, err)
	require.NotEmpty(t, paymentID)

	// And not the claimer either.
	_, err = c.manager.CreateAssetClaim(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.manager.CreateAssetClaim(ctx, s.SwapID, testOperator)
	require.NoError(t, err)

	// The operator sweep goes to the operator wallet, not the buyer.
	require.Len(t, c.ledger.spendRequests, 1)
	require.NotEqual(
		t, c.buyerAddr, c.ledger.spendRequests[0].DestAddress,
	)
}

// TestReverseSwapInvalidInvoice asserts the invoice checks of the reverse
// direction.
func TestReverseSwapInvalidInvoice(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	var preimage lntypes.Preimage
	preimage[0] = 7

	tests := []struct {
		name    string
		invoice func(quote *swapdb.Quote) string
	}{{
		name: "missing invoice",
		invoice: func(*swapdb.Quote) string {
			return ""
		},
	}, {
		name: "wrong amount",
		invoice: func(quote *swapdb.Quote) string {
			return genTestInvoice(
				t, quote.TotalPriceMsat+1, preimage, testTime,
			)
		},
	}, {
		name: "expired invoice",
		invoice: func(quote *swapdb.Quote) string {
			return genTestInvoice(
				t, quote.TotalPriceMsat, preimage,
				testTime.Add(-2*time.Hour),
			)
		},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			quote := c.createQuote(swapdb.DirectionReverse, 1000)

			_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
				QuoteID:            quote.QuoteID,
				Requester:          testBuyer,
				BuyerLedgerAddress: c.buyerAddr,
				BuyerInvoice:       tc.invoice(quote),
			})
			require.ErrorIs(t, err, ErrInvalidInvoice)
		})
	}

	// An invoice is equally rejected in the forward direction, where it
	// is minted server side.
	quote := c.createQuote(swapdb.DirectionForward, 1000)
	_, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
		BuyerInvoice: genTestInvoice(
			t, quote.TotalPriceMsat, preimage, testTime,
		),
	})
	require.ErrorIs(t, err, ErrInvalidInvoice)
}

// TestPaymentPreimageMismatch asserts that a settlement whose preimage does
// not match the lock commitment fails the swap instead of being recorded.
func TestPaymentPreimageMismatch(t *testing.T) {
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

	var wrong lntypes.Preimage
	wrong[0] = 0xff
	c.lightning.settleWith = &wrong

	_, err = c.manager.CreateLightningPayment(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrPreimageMismatch)

	s, err = c.manager.GetSwap(ctx, s.SwapID, testBuyer)
	require.NoError(t, err)
	require.Equal(t, swapdb.StatusFailed, s.Status)
	require.Empty(t, s.PaymentID)

	// A failed swap accepts no further execution actions.
	_, err = c.manager.CreateAssetClaim(ctx, s.SwapID, testBuyer)
	require.ErrorIs(t, err, ErrSwapNotReady)
}

// TestGetSwapAuthorization asserts that only swap parties and the operator
// can read a swap.
func TestGetSwapAuthorization(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	quote := c.createQuote(swapdb.DirectionForward, 1000)
	s, err := c.manager.CreateSwap(ctx, &CreateSwapRequest{
		QuoteID:            quote.QuoteID,
		Requester:          testBuyer,
		BuyerLedgerAddress: c.buyerAddr,
	})
	require.NoError(t, err)

	for _, requester := range []string{testBuyer, testOperator} {
		_, err := c.manager.GetSwap(ctx, s.SwapID, requester)
		require.NoError(t, err)
	}

	_, err = c.manager.GetSwap(ctx, s.SwapID, "other-buyer")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.manager.GetSwap(ctx, "no-such-swap", testOperator)
	require.ErrorIs(t, err, ErrSwapNotFound)

	// Listing is scoped the same way: the operator sees everything, a
	// stranger sees nothing.
	all, err := c.manager.ListSwaps(ctx, testOperator)
	require.NoError(t, err)
	require.Len(t, all, 1)

	mine, err := c.manager.ListSwaps(ctx, testBuyer)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	none, err := c.manager.ListSwaps(ctx, "other-buyer")
	require.NoError(t, err)
	require.Empty(t, none)
}

// TestCreateQuotePolicy asserts the offer checks of quote creation.
func TestCreateQuotePolicy(t *testing.T) {
	ctx := context.Background()
	c := newTestContext(t)

	// Unknown asset.
	_, err := c.manager.CreateQuote(ctx, &QuoteRequest{
		Direction:   swapdb.DirectionForward,
		AssetID:     "asset-unknown",
		AssetAmount: 1000,
	})
	require.ErrorIs(t, err, ErrPolicyMismatch)

	// Confirmation threshold above the offer maximum.
	_, err = c.manager.CreateQuote(ctx, &QuoteRequest{
		Direction:       swapdb.DirectionForward,
		AssetID:         testAssetID,
		AssetAmount:     1000,
		MinFundingConfs: 7,
	})
	require.ErrorIs(t, err, ErrPolicyMismatch)

	_, err = c.manager.GetQuote(ctx, "no-such-quote")
	require.ErrorIs(t, err, ErrQuoteNotFound)
}
