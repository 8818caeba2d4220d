package lswapd

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/liquidswap/lswap"
	"github.com/liquidswap/lswap/swapdb"
)

// ledgerClient adapts the operator's ledger wallet daemon to the engine's
// ledger interface. The wallet exposes a bitcoind style JSON-RPC surface
// extended with swap lock methods; all signing and output blinding happens
// inside the wallet, the engine only hands over scripts and witnesses.
type ledgerClient struct {
	rpc *rpcclient.Client
}

// newLedgerClient connects to the configured ledger wallet daemon.
func newLedgerClient(cfg *ledgerConfig) (*ledgerClient, error) {
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect ledger wallet: %w", err)
	}

	return &ledgerClient{rpc: rpc}, nil
}

// Close shuts down the underlying rpc connection.
func (c *ledgerClient) Close() {
	c.rpc.Shutdown()
}

// call invokes a wallet method and decodes the reply into result. A nil
// result discards the reply.
func (c *ledgerClient) call(method string, result interface{},
	params ...interface{}) error {

	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return err
		}
		rawParams = append(rawParams, raw)
	}

	resp, err := c.rpc.RawRequest(method, rawParams)
	if err != nil {
		return fmt.Errorf("%v: %w", method, err)
	}

	if result == nil {
		return nil
	}

	return json.Unmarshal(resp, result)
}

type fundLockCall struct {
	LockAddress string   `json:"lock_address"`
	PkScript    string   `json:"pk_script"`
	AssetID     string   `json:"asset_id"`
	AssetAmount uint64   `json:"asset_amount"`
	SubsidySats uint64   `json:"subsidy_sats"`
	UnitIDs     []string `json:"unit_ids"`
}

type fundLockReply struct {
	Txid        string `json:"txid"`
	AssetVout   uint32 `json:"asset_vout"`
	SubsidyVout uint32 `json:"subsidy_vout"`
}

// FundLock asks the wallet to build, sign and broadcast the funding
// transaction for a lock output from the listed collateral units.
func (c *ledgerClient) FundLock(_ context.Context,
	req *lswap.FundLockRequest) (*lswap.FundLockResult, error) {

	var reply fundLockReply
	err := c.call("fundswaplock", &reply, &fundLockCall{
		LockAddress: req.LockAddress,
		PkScript:    hex.EncodeToString(req.PkScript),
		AssetID:     req.AssetID,
		AssetAmount: req.AssetAmount,
		SubsidySats: req.SubsidySats,
		UnitIDs:     req.UnitIDs,
	})
	if err != nil {
		return nil, err
	}

	txid, err := chainhash.NewHashFromStr(reply.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid funding txid: %w", err)
	}

	return &lswap.FundLockResult{
		Txid:        *txid,
		AssetVout:   reply.AssetVout,
		SubsidyVout: reply.SubsidyVout,
	}, nil
}

type spendLockCall struct {
	AssetOutpoint   string `json:"asset_outpoint"`
	SubsidyOutpoint string `json:"subsidy_outpoint,omitempty"`
	LockScript      string `json:"lock_script"`
	Path            string `json:"path"`
	Preimage        string `json:"preimage,omitempty"`
	LockTime        uint32 `json:"lock_time,omitempty"`
	DestAddress     string `json:"dest_address,omitempty"`
}

type spendLockReply struct {
	Txid string `json:"txid"`
}

// SpendLock asks the wallet to spend a lock output through the requested
// script branch.
func (c *ledgerClient) SpendLock(_ context.Context,
	req *lswap.SpendLockRequest) (chainhash.Hash, error) {

	call := &spendLockCall{
		AssetOutpoint: req.AssetOutpoint.String(),
		LockScript:    hex.EncodeToString(req.LockScript),
		DestAddress:   req.DestAddress,
	}
	if req.SubsidyOutpoint != (wire.OutPoint{}) {
		call.SubsidyOutpoint = req.SubsidyOutpoint.String()
	}

	switch req.Path {
	case lswap.SpendPathClaim:
		call.Path = "claim"
		call.Preimage = req.Preimage.String()

	case lswap.SpendPathRefund:
		call.Path = "refund"
		call.LockTime = req.LockTime

	default:
		return chainhash.Hash{}, fmt.Errorf("unknown spend path %v",
			req.Path)
	}

	var reply spendLockReply
	if err := c.call("spendswaplock", &reply, call); err != nil {
		return chainhash.Hash{}, err
	}

	txid, err := chainhash.NewHashFromStr(reply.Txid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid spend txid: %w",
			err)
	}

	return *txid, nil
}

type rawTxReply struct {
	Confirmations uint32 `json:"confirmations"`
}

// GetConfirmations returns the confirmation count of a wallet transaction,
// zero while it sits in the mempool or is unknown after a reorg.
func (c *ledgerClient) GetConfirmations(_ context.Context,
	txid chainhash.Hash) (uint32, error) {

	var reply rawTxReply
	err := c.call("getrawtransaction", &reply, txid.String(), true)
	if err != nil {
		// A transaction evicted by a reorg is simply unconfirmed.
		if jsonRPCCode(err) == btcjson.ErrRPCNoTxInfo {
			return 0, nil
		}

		return 0, err
	}

	return reply.Confirmations, nil
}

type lockSpendReply struct {
	Txid    string   `json:"txid"`
	Witness []string `json:"witness"`
}

// GetSpend returns the spend of a lock output, or nil while it is unspent.
func (c *ledgerClient) GetSpend(_ context.Context, op wire.OutPoint) (
	*lswap.SpendDetail, error) {

	var reply *lockSpendReply
	if err := c.call("getlockspend", &reply, op.String()); err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}

	txid, err := chainhash.NewHashFromStr(reply.Txid)
	if err != nil {
		return nil, fmt.Errorf("invalid spend txid: %w", err)
	}

	witness := make(wire.TxWitness, 0, len(reply.Witness))
	for _, element := range reply.Witness {
		raw, err := hex.DecodeString(element)
		if err != nil {
			return nil, fmt.Errorf("invalid witness element: %w",
				err)
		}
		witness = append(witness, raw)
	}

	return &lswap.SpendDetail{
		SpendTxid: *txid,
		Witness:   witness,
	}, nil
}

// ChainHeight returns the current ledger tip height.
func (c *ledgerClient) ChainHeight(_ context.Context) (uint32, error) {
	var height uint32
	if err := c.call("getblockcount", &height); err != nil {
		return 0, err
	}

	return height, nil
}

type collateralReply struct {
	UnitID  string `json:"unit_id"`
	AssetID string `json:"asset_id"`
	Amount  uint64 `json:"amount"`
}

// ListCollateral returns all spendable collateral parcels of the wallet.
func (c *ledgerClient) ListCollateral(_ context.Context) (
	[]*swapdb.CollateralUnit, error) {

	var reply []*collateralReply
	if err := c.call("listswapcollateral", &reply); err != nil {
		return nil, err
	}

	units := make([]*swapdb.CollateralUnit, 0, len(reply))
	for _, unit := range reply {
		units = append(units, &swapdb.CollateralUnit{
			UnitID:  unit.UnitID,
			AssetID: unit.AssetID,
			Amount:  unit.Amount,
			Status:  swapdb.UnitStatusFree,
		})
	}

	return units, nil
}

// jsonRPCCode extracts the error code of a wallet rpc error, zero when the
// error is not an rpc error.
func jsonRPCCode(err error) btcjson.RPCErrorCode {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}

	return 0
}
