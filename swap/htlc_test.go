package swap

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/stretchr/testify/require"
)

const testLockValue = 1_000_000

// htlcTestContext holds the keys and scripts shared by the spend tests.
type htlcTestContext struct {
	t *testing.T

	claimerKey  *btcec.PrivateKey
	refunderKey *btcec.PrivateKey

	preimage lntypes.Preimage
	hash     lntypes.Hash

	htlc *Htlc
}

func newHtlcTestContext(t *testing.T, refundLockHeight uint32) *htlcTestContext {
	t.Helper()

	claimerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	refunderKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	var preimage lntypes.Preimage
	copy(preimage[:], []byte("preimage preimage preimage  pre!"))
	hash := lntypes.Hash(sha256.Sum256(preimage[:]))

	htlc, err := NewHtlc(
		hash,
		keyHashOf(claimerKey), keyHashOf(refunderKey),
		refundLockHeight, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	return &htlcTestContext{
		t:           t,
		claimerKey:  claimerKey,
		refunderKey: refunderKey,
		preimage:    preimage,
		hash:        hash,
		htlc:        htlc,
	}
}

func keyHashOf(key *btcec.PrivateKey) KeyHash {
	var kh KeyHash
	copy(kh[:], btcutil.Hash160(key.PubKey().SerializeCompressed()))
	return kh
}

// spendTx builds a transaction spending the htlc output with the given
// lock-time and sequence.
func (c *htlcTestContext) spendTx(lockTime, sequence uint32) *wire.MsgTx {
	tx := wire.NewMsgTx(2)
	tx.LockTime = lockTime
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: 0},
		Sequence:         sequence,
	})
	tx.AddTxOut(&wire.TxOut{
		PkScript: []byte{0x00, 0x14},
		Value:    testLockValue - 500,
	})

	return tx
}

// sign produces a witness signature for the htlc input with the sighash flag
// appended.
func (c *htlcTestContext) sign(tx *wire.MsgTx, key *btcec.PrivateKey) []byte {
	c.t.Helper()

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		c.htlc.PkScript, testLockValue,
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevFetcher)

	sig, err := txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, testLockValue, c.htlc.Script,
		txscript.SigHashAll, key,
	)
	require.NoError(c.t, err)

	return sig
}

// verify runs the spending transaction through the script VM and reports
// whether it validates.
func (c *htlcTestContext) verify(tx *wire.MsgTx) error {
	c.t.Helper()

	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		c.htlc.PkScript, testLockValue,
	)
	vm, err := txscript.NewEngine(
		c.htlc.PkScript, tx, 0, txscript.StandardVerifyFlags, nil,
		txscript.NewTxSigHashes(tx, prevFetcher), testLockValue,
		prevFetcher,
	)
	require.NoError(c.t, err)

	return vm.Execute()
}

func pubKey33(key *btcec.PrivateKey) [33]byte {
	var pk [33]byte
	copy(pk[:], key.PubKey().SerializeCompressed())
	return pk
}

// TestHtlcClaim asserts that the claim path validates with the correct
// preimage and claimer signature, and is rejected with either missing.
func TestHtlcClaim(t *testing.T) {
	c := newHtlcTestContext(t, 600)

	tx := c.spendTx(0, wire.MaxTxInSequenceNum)
	sig := c.sign(tx, c.claimerKey)

	witness, err := c.htlc.GenClaimWitness(
		sig, pubKey33(c.claimerKey), c.preimage,
	)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	require.NoError(t, c.verify(tx))

	// A wrong preimage must not pass the witness generator.
	var wrongPreimage lntypes.Preimage
	wrongPreimage[0] = 0xff
	_, err = c.htlc.GenClaimWitness(
		sig, pubKey33(c.claimerKey), wrongPreimage,
	)
	require.ErrorIs(t, err, ErrPreimageMismatch)

	// A preimage with a signature from the wrong key must be rejected by
	// the VM. This is the guard against routing nodes that learn the
	// preimage in transit.
	badSig := c.sign(tx, c.refunderKey)
	witness, err = c.htlc.GenClaimWitness(
		badSig, pubKey33(c.refunderKey), c.preimage,
	)
	require.NoError(t, err)
	tx.TxIn[0].Witness = witness

	require.Error(t, c.verify(tx))
}

// TestHtlcRefund asserts the refund path validates only at or after the
// refund lock height.
func TestHtlcRefund(t *testing.T) {
	const refundHeight = 600

	c := newHtlcTestContext(t, refundHeight)

	// Refund at the lock height is valid.
	tx := c.spendTx(refundHeight, 0)
	sig := c.sign(tx, c.refunderKey)
	tx.TxIn[0].Witness = c.htlc.GenRefundWitness(
		sig, pubKey33(c.refunderKey),
	)
	require.NoError(t, c.verify(tx))

	// An early refund is rejected by the lock script itself.
	early := c.spendTx(refundHeight-1, 0)
	earlySig := c.sign(early, c.refunderKey)
	early.TxIn[0].Witness = c.htlc.GenRefundWitness(
		earlySig, pubKey33(c.refunderKey),
	)
	require.Error(t, c.verify(early))

	// The claimer's key cannot use the refund path.
	theft := c.spendTx(refundHeight, 0)
	theftSig := c.sign(theft, c.claimerKey)
	theft.TxIn[0].Witness = c.htlc.GenRefundWitness(
		theftSig, pubKey33(c.claimerKey),
	)
	require.Error(t, c.verify(theft))
}

// TestHtlcAddressSensitivity asserts that every script input contributes to
// the derived address.
func TestHtlcAddressSensitivity(t *testing.T) {
	base := newHtlcTestContext(t, 600)

	// Same inputs, same address.
	same, err := NewHtlc(
		base.hash, base.htlc.ClaimerKeyHash,
		base.htlc.RefunderKeyHash, 600,
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, base.htlc.Address.String(), same.Address.String())

	// Different lock height.
	bumped, err := NewHtlc(
		base.hash, base.htlc.ClaimerKeyHash,
		base.htlc.RefunderKeyHash, 601,
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.NotEqual(t, base.htlc.Address.String(), bumped.Address.String())

	// Different hash.
	var otherHash lntypes.Hash
	otherHash[31] = 1
	rehashed, err := NewHtlc(
		otherHash, base.htlc.ClaimerKeyHash,
		base.htlc.RefunderKeyHash, 600,
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.NotEqual(
		t, base.htlc.Address.String(), rehashed.Address.String(),
	)

	// Swapped keys.
	swapped, err := NewHtlc(
		base.hash, base.htlc.RefunderKeyHash,
		base.htlc.ClaimerKeyHash, 600,
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.NotEqual(
		t, base.htlc.Address.String(), swapped.Address.String(),
	)
}

// TestIsClaimWitness asserts witness shape classification for both paths.
func TestIsClaimWitness(t *testing.T) {
	c := newHtlcTestContext(t, 600)

	claimWitness, err := c.htlc.GenClaimWitness(
		make([]byte, 72), pubKey33(c.claimerKey), c.preimage,
	)
	require.NoError(t, err)
	require.True(t, IsClaimWitness(claimWitness))

	refundWitness := c.htlc.GenRefundWitness(
		make([]byte, 72), pubKey33(c.refunderKey),
	)
	require.False(t, IsClaimWitness(refundWitness))
}

// TestParseHtlcScript asserts that serialization round-trips and tampered
// scripts are rejected.
func TestParseHtlcScript(t *testing.T) {
	c := newHtlcTestContext(t, 143)

	parsed, err := ParseHtlcScript(
		c.htlc.Script, &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, c.htlc.PaymentHash, parsed.PaymentHash)
	require.Equal(t, c.htlc.ClaimerKeyHash, parsed.ClaimerKeyHash)
	require.Equal(t, c.htlc.RefunderKeyHash, parsed.RefunderKeyHash)
	require.Equal(t, c.htlc.RefundLockHeight, parsed.RefundLockHeight)
	require.Equal(t, c.htlc.Address.String(), parsed.Address.String())

	// Truncated script.
	_, err = ParseHtlcScript(
		c.htlc.Script[:len(c.htlc.Script)-2],
		&chaincfg.RegressionNetParams,
	)
	require.ErrorIs(t, err, ErrInvalidScript)

	// Trailing garbage.
	tampered := append([]byte{}, c.htlc.Script...)
	tampered = append(tampered, txscript.OP_DROP)
	_, err = ParseHtlcScript(tampered, &chaincfg.RegressionNetParams)
	require.ErrorIs(t, err, ErrInvalidScript)
}
