package lswap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/liquidswap/lswap/inventory"
	"github.com/liquidswap/lswap/swap"
	"github.com/liquidswap/lswap/swapdb"
	"github.com/stretchr/testify/require"
)

var (
	testTime = time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)

	testOperator    = "operator"
	testBuyer       = "buyer"
	testAssetID     = "asset-usd"
	testPolicyAsset = "policy-btc"

	testStartHeight = uint32(500)
)

func testOffer() *Offer {
	return &Offer{
		AssetID:           testAssetID,
		PriceMsatPerUnit:  1000,
		FeeSubsidySats:    500,
		RefundDeltaBlocks: 144,
		InvoiceExpiry:     time.Hour,
		MaxFundingConfs:   6,
	}
}

// mockLightning fakes the payment network: minted invoices settle with a
// derived preimage, registered invoices settle with the preimage supplied
// at registration.
type mockLightning struct {
	mtx sync.Mutex

	invoiceCounter int
	paymentCounter int

	invoices map[string]lntypes.Hash
	settles  map[lntypes.Hash]lntypes.Preimage
	payments map[string]lntypes.Preimage

	// settleWith overrides every settlement preimage when set.
	settleWith *lntypes.Preimage

	payErr error
}

func newMockLightning() *mockLightning {
	return &mockLightning{
		invoices: make(map[string]lntypes.Hash),
		settles:  make(map[lntypes.Hash]lntypes.Preimage),
		payments: make(map[string]lntypes.Preimage),
	}
}

func (m *mockLightning) CreateInvoice(_ context.Context,
	amt lnwire.MilliSatoshi, memo string, expiry time.Duration) (string,
	lntypes.Hash, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.invoiceCounter++

	var preimage lntypes.Preimage
	preimage[0] = byte(m.invoiceCounter)
	hash := preimage.Hash()

	invoice := fmt.Sprintf("lnmock-%d-%d-%s", m.invoiceCounter,
		uint64(amt), memo)
	m.invoices[invoice] = hash
	m.settles[hash] = preimage

	return invoice, hash, nil
}

// register makes an externally created invoice payable in the mock.
func (m *mockLightning) register(invoice string, preimage lntypes.Preimage) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.invoices[invoice] = preimage.Hash()
	m.settles[preimage.Hash()] = preimage
}

func (m *mockLightning) PayInvoice(_ context.Context, invoice string,
	_ time.Duration) (string, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.payErr != nil {
		return "", m.payErr
	}

	hash, ok := m.invoices[invoice]
	if !ok {
		return "", fmt.Errorf("unknown invoice %v", invoice)
	}

	preimage := m.settles[hash]
	if m.settleWith != nil {
		preimage = *m.settleWith
	}

	m.paymentCounter++
	paymentID := fmt.Sprintf("payment-%d", m.paymentCounter)
	m.payments[paymentID] = preimage

	return paymentID, nil
}

func (m *mockLightning) WaitPreimage(_ context.Context, paymentID string,
	_ time.Duration) (lntypes.Preimage, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	preimage, ok := m.payments[paymentID]
	if !ok {
		return lntypes.Preimage{}, fmt.Errorf("unknown payment %v",
			paymentID)
	}

	return preimage, nil
}

// mockLedger fakes the asset ledger wallet: funding and spending return
// deterministic txids and the test sets confirmation counts, spends and the
// chain height explicitly.
type mockLedger struct {
	mtx sync.Mutex

	height uint32
	confs  map[string]uint32
	spends map[wire.OutPoint]*SpendDetail
	units  []*swapdb.CollateralUnit

	fundErr error

	// fundHook runs before FundLock checks fundErr, letting tests
	// cancel the request context mid-call.
	fundHook func()

	fundRequests  []*FundLockRequest
	spendRequests []*SpendLockRequest
}

func newMockLedger() *mockLedger {
	return &mockLedger{
		height: testStartHeight,
		confs:  make(map[string]uint32),
		spends: make(map[wire.OutPoint]*SpendDetail),
		units: []*swapdb.CollateralUnit{
			{UnitID: "op:0", AssetID: testAssetID, Amount: 600},
			{UnitID: "op:1", AssetID: testAssetID, Amount: 700},
			{UnitID: "op:2", AssetID: testAssetID, Amount: 1000},
			{
				UnitID:  "pol:0",
				AssetID: testPolicyAsset,
				Amount:  1000,
			},
		},
	}
}

func (m *mockLedger) FundLock(_ context.Context,
	req *FundLockRequest) (*FundLockResult, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.fundHook != nil {
		m.fundHook()
	}
	if m.fundErr != nil {
		return nil, m.fundErr
	}

	m.fundRequests = append(m.fundRequests, req)
	txid := chainhash.HashH([]byte(fmt.Sprintf(
		"funding-%d", len(m.fundRequests),
	)))

	return &FundLockResult{
		Txid:        txid,
		AssetVout:   0,
		SubsidyVout: 1,
	}, nil
}

func (m *mockLedger) SpendLock(_ context.Context,
	req *SpendLockRequest) (chainhash.Hash, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.spendRequests = append(m.spendRequests, req)

	return chainhash.HashH([]byte(fmt.Sprintf(
		"spend-%d", len(m.spendRequests),
	))), nil
}

func (m *mockLedger) GetConfirmations(_ context.Context,
	txid chainhash.Hash) (uint32, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.confs[txid.String()], nil
}

func (m *mockLedger) GetSpend(_ context.Context,
	op wire.OutPoint) (*SpendDetail, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.spends[op], nil
}

func (m *mockLedger) ChainHeight(_ context.Context) (uint32, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.height, nil
}

func (m *mockLedger) ListCollateral(_ context.Context) (
	[]*swapdb.CollateralUnit, error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	return m.units, nil
}

func (m *mockLedger) setConfs(txid string, confs uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.confs[txid] = confs
}

func (m *mockLedger) setHeight(height uint32) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.height = height
}

func (m *mockLedger) addSpend(op wire.OutPoint, detail *SpendDetail) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.spends[op] = detail
}

type testContext struct {
	t *testing.T

	store     *swapdb.SwapStore
	manager   *Manager
	inventory *inventory.Manager
	lightning *mockLightning
	ledger    *mockLedger
	clock     *clock.TestClock

	buyerAddr string
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	store := swapdb.NewTestDB(t)
	testClock := clock.NewTestClock(testTime)
	store.SetClock(testClock)

	lightning := newMockLightning()
	ledger := newMockLedger()

	inv := inventory.NewManager(&inventory.Config{
		Store:         store,
		Source:        ledger,
		PolicyAssetID: testPolicyAsset,
	})
	require.NoError(t, inv.Sync(context.Background()))

	var operatorKeyHash swap.KeyHash
	copy(operatorKeyHash[:], chainhash.HashB([]byte("operator-key")))

	buyerKey, _ := btcec.PrivKeyFromBytes(chainhash.HashB(
		[]byte("buyer-key"),
	))
	buyerAddr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(buyerKey.PubKey().SerializeCompressed()),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	manager := NewManager(&Config{
		Store:           store,
		Inventory:       inv,
		Lightning:       lightning,
		Ledger:          ledger,
		ChainParams:     &chaincfg.RegressionNetParams,
		InvoiceParams:   &chaincfg.RegressionNetParams,
		Clock:           testClock,
		OperatorID:      testOperator,
		OperatorKeyHash: operatorKeyHash,
		ReorgSafeDepth:  6,
		CallTimeout:     time.Minute,
		FundingTicker:   ticker.NewForce(time.Hour),
		SpendTicker:     ticker.NewForce(time.Hour),
		RefundTicker:    ticker.NewForce(time.Hour),
	})
	manager.SetOffer(testOffer())

	return &testContext{
		t:         t,
		store:     store,
		manager:   manager,
		inventory: inv,
		lightning: lightning,
		ledger:    ledger,
		clock:     testClock,
		buyerAddr: buyerAddr.String(),
	}
}

func (c *testContext) createQuote(direction swapdb.SwapDirection,
	amount uint64) *swapdb.Quote {

	c.t.Helper()

	quote, err := c.manager.CreateQuote(
		context.Background(), &QuoteRequest{
			Direction:       direction,
			AssetID:         testAssetID,
			AssetAmount:     amount,
			MinFundingConfs: 2,
		},
	)
	require.NoError(c.t, err)

	return quote
}

// confirmFunding reports the swap's funding transaction as confirmed and
// runs the funding watcher once.
func (c *testContext) confirmFunding(s *swapdb.Swap) {
	c.t.Helper()

	c.ledger.setConfs(s.FundingTxid, s.MinFundingConfs)
	require.NoError(c.t, c.manager.pollFunding(context.Background()))
}

// assetOutpoint returns the lock's asset output.
func assetOutpoint(t *testing.T, s *swapdb.Swap) wire.OutPoint {
	t.Helper()

	txid, err := chainhash.NewHashFromStr(s.FundingTxid)
	require.NoError(t, err)

	return wire.OutPoint{Hash: *txid, Index: s.AssetVout}
}

// claimWitness returns a witness stack shaped like a claim path spend.
func claimWitness(preimage lntypes.Preimage, script []byte) wire.TxWitness {
	return wire.TxWitness{
		make([]byte, 71), make([]byte, 33), preimage[:],
		{0x01}, script,
	}
}

// refundWitness returns a witness stack shaped like a refund path spend.
func refundWitness(script []byte) wire.TxWitness {
	return wire.TxWitness{
		make([]byte, 71), make([]byte, 33), nil, script,
	}
}

// genTestInvoice encodes a signed invoice settling with the given preimage,
// as a buyer's node would produce for the reverse direction.
func genTestInvoice(t *testing.T, amt lnwire.MilliSatoshi,
	preimage lntypes.Preimage, timestamp time.Time) string {

	t.Helper()

	payReq, err := zpay32.NewInvoice(
		&chaincfg.RegressionNetParams, preimage.Hash(), timestamp,
		zpay32.Description("reverse swap"),
		zpay32.Amount(amt),
		zpay32.Expiry(time.Hour),
	)
	require.NoError(t, err)

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	invoice, err := payReq.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			return ecdsa.SignCompact(privKey, msg, true)
		},
	})
	require.NoError(t, err)

	return invoice
}
