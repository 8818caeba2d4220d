package lswapd

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/channeldb"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
)

// defaultMaxParts is the number of htlcs a swap payment may be split into.
const defaultMaxParts = 5

// lndLightningClient adapts an lnd node to the engine's payment network
// interface. Payments are dispatched fire and forget; the payment hash
// doubles as the identifier handed back to the engine for tracking.
type lndLightningClient struct {
	lnd         *lndclient.LndServices
	chainParams *chaincfg.Params
	maxFee      btcutil.Amount
}

// newLndClient connects to the configured lnd instance and blocks until it
// is synced to chain.
func newLndClient(cfg *lndConfig, network string) (
	*lndclient.GrpcLndServices, error) {

	syncCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcCfg := &lndclient.LndServicesConfig{
		LndAddress:            cfg.Host,
		Network:               lndclient.Network(network),
		MacaroonDir:           cfg.MacaroonDir,
		TLSPath:               cfg.TLSPath,
		BlockUntilChainSynced: true,
		ChainSyncCtx:          syncCtx,
	}

	// Unblock lndclient if the daemon is shut down while lnd is still
	// syncing.
	go func() {
		select {
		case <-interceptor.ShutdownChannel():
			cancel()

		case <-syncCtx.Done():
		}
	}()

	return lndclient.NewLndServices(svcCfg)
}

// CreateInvoice mints an invoice for the given amount in lnd.
func (c *lndLightningClient) CreateInvoice(ctx context.Context,
	amt lnwire.MilliSatoshi, memo string, expiry time.Duration) (string,
	lntypes.Hash, error) {

	hash, payReq, err := c.lnd.Client.AddInvoice(
		ctx, &invoicesrpc.AddInvoiceData{
			Memo:   memo,
			Value:  amt,
			Expiry: int64(expiry.Seconds()),
		},
	)
	if err != nil {
		return "", lntypes.Hash{}, err
	}

	return payReq, hash, nil
}

// PayInvoice dispatches a payment for the given invoice and returns the
// payment hash as its tracking identifier. The call returns once lnd has
// accepted the payment; settlement is observed through WaitPreimage.
func (c *lndLightningClient) PayInvoice(ctx context.Context, invoice string,
	timeout time.Duration) (string, error) {

	payReq, err := zpay32.Decode(invoice, c.chainParams)
	if err != nil {
		return "", fmt.Errorf("decode invoice: %w", err)
	}
	hash := lntypes.Hash(*payReq.PaymentHash)

	statusChan, errChan, err := c.lnd.Router.SendPayment(
		ctx, lndclient.SendPaymentRequest{
			Invoice:  invoice,
			MaxFee:   c.maxFee,
			Timeout:  timeout,
			MaxParts: defaultMaxParts,
		},
	)
	if err != nil {
		return "", err
	}

	// Wait for the first update so we know lnd accepted the payment. The
	// payment itself keeps running inside lnd after we return.
	select {
	case <-statusChan:
		return hash.String(), nil

	case err := <-errChan:
		// A replayed dispatch for a payment lnd already knows is not
		// an error, WaitPreimage picks it up through TrackPayment.
		if err == channeldb.ErrAlreadyPaid {
			return hash.String(), nil
		}

		return "", err

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// WaitPreimage blocks until the payment identified by paymentID settles and
// returns its preimage.
func (c *lndLightningClient) WaitPreimage(ctx context.Context,
	paymentID string, timeout time.Duration) (lntypes.Preimage, error) {

	hash, err := lntypes.MakeHashFromStr(paymentID)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("invalid payment id: %w",
			err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusChan, errChan, err := c.lnd.Router.TrackPayment(waitCtx, hash)
	if err != nil {
		return lntypes.Preimage{}, err
	}

	for {
		select {
		case status, ok := <-statusChan:
			if !ok {
				statusChan = nil
				continue
			}

			switch status.State {
			case lnrpc.Payment_SUCCEEDED:
				return status.Preimage, nil

			case lnrpc.Payment_FAILED:
				return lntypes.Preimage{}, fmt.Errorf(
					"payment %v failed: %v", hash,
					status.FailureReason)

			case lnrpc.Payment_IN_FLIGHT:
				// Keep waiting for a terminal state.

			default:
				return lntypes.Preimage{}, fmt.Errorf(
					"unexpected payment state: %v",
					status.State)
			}

		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil {
				return lntypes.Preimage{}, err
			}

		case <-waitCtx.Done():
			return lntypes.Preimage{}, waitCtx.Err()
		}
	}
}
