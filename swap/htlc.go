package swap

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
)

var (
	// ErrInvalidScript is returned when a serialized script does not
	// match the htlc template.
	ErrInvalidScript = errors.New("script does not match htlc template")

	// ErrPreimageMismatch is returned when a preimage does not hash to
	// the htlc's payment hash.
	ErrPreimageMismatch = errors.New("preimage does not match swap hash")
)

// KeyHash is the HASH160 of a compressed public key, as committed to by the
// lock script for both spend paths.
type KeyHash [20]byte

// Htlc bundles the hash/time-locked contract that holds the swap collateral
// on the asset ledger. The claim path requires the preimage of PaymentHash
// and a signature for the claimer key; the refund path requires a signature
// for the refunder key and a transaction lock-time at or past
// RefundLockHeight.
type Htlc struct {
	// PaymentHash is the hash commitment shared with the swap invoice.
	PaymentHash lntypes.Hash

	// ClaimerKeyHash is the HASH160 of the claimer's public key.
	ClaimerKeyHash KeyHash

	// RefunderKeyHash is the HASH160 of the refunder's public key.
	RefunderKeyHash KeyHash

	// RefundLockHeight is the absolute ledger height after which the
	// refund path becomes valid.
	RefundLockHeight uint32

	// Script is the full witness script.
	Script []byte

	// PkScript is the P2WSH output script paying to Script.
	PkScript []byte

	// Address is the address encoding of PkScript.
	Address btcutil.Address
}

// NewHtlc derives the lock script and its P2WSH address. The construction is
// deterministic: any change to the hash, key hashes or lock height yields a
// different address.
//
// OP_IF
//	OP_SIZE 32 OP_EQUALVERIFY
//	OP_SHA256 <paymentHash> OP_EQUALVERIFY
//	OP_DUP OP_HASH160 <claimerKeyHash> OP_EQUALVERIFY OP_CHECKSIG
// OP_ELSE
//	<refundLockHeight> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	OP_DUP OP_HASH160 <refunderKeyHash> OP_EQUALVERIFY OP_CHECKSIG
// OP_ENDIF
//
// Note that the claim path checks a signature in addition to the preimage. A
// routing node that observes the preimage in transit still cannot spend the
// lock without the claimer's key.
func NewHtlc(paymentHash lntypes.Hash, claimerKeyHash,
	refunderKeyHash KeyHash, refundLockHeight uint32,
	chainParams *chaincfg.Params) (*Htlc, error) {

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)

	builder.AddOp(txscript.OP_SIZE)
	builder.AddInt64(32)
	builder.AddOp(txscript.OP_EQUALVERIFY)

	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(paymentHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(claimerKeyHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)

	builder.AddInt64(int64(refundLockHeight))
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)

	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(refunderKeyHash[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, err
	}

	pkScript, err := input.WitnessScriptHash(script)
	if err != nil {
		return nil, err
	}

	address, err := btcutil.NewAddressWitnessScriptHash(
		pkScript[2:], chainParams,
	)
	if err != nil {
		return nil, err
	}

	return &Htlc{
		PaymentHash:      paymentHash,
		ClaimerKeyHash:   claimerKeyHash,
		RefunderKeyHash:  refunderKeyHash,
		RefundLockHeight: refundLockHeight,
		Script:           script,
		PkScript:         pkScript,
		Address:          address,
	}, nil
}

// GenClaimWitness assembles the witness stack for the claim path. The
// signature is expected to already carry its sighash flag.
func (h *Htlc) GenClaimWitness(claimerSig []byte, claimerPubKey [33]byte,
	preimage lntypes.Preimage) (wire.TxWitness, error) {

	if preimage.Hash() != h.PaymentHash {
		return nil, ErrPreimageMismatch
	}

	witness := make(wire.TxWitness, 5)
	witness[0] = claimerSig
	witness[1] = claimerPubKey[:]
	witness[2] = preimage[:]
	witness[3] = []byte{0x01}
	witness[4] = h.Script

	return witness, nil
}

// GenRefundWitness assembles the witness stack for the refund path. The
// spending transaction must set its lock-time to at least RefundLockHeight
// and use a sequence that enables lock-time enforcement.
func (h *Htlc) GenRefundWitness(refunderSig []byte,
	refunderPubKey [33]byte) wire.TxWitness {

	witness := make(wire.TxWitness, 4)
	witness[0] = refunderSig
	witness[1] = refunderPubKey[:]
	witness[2] = nil
	witness[3] = h.Script

	return witness
}

// IsClaimWitness reports whether the witness stack spends the claim path.
// The claim stack has five elements with a true branch selector, the refund
// stack four with an empty selector.
func IsClaimWitness(witness wire.TxWitness) bool {
	return len(witness) == 5 && len(witness[3]) != 0
}

// MaxClaimWitnessSize returns the maximum size of a claim witness.
func (h *Htlc) MaxClaimWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - sig_length: 1 byte
	// - sig: 73 bytes
	// - pubkey_length: 1 byte
	// - pubkey: 33 bytes
	// - preimage_length: 1 byte
	// - preimage: 32 bytes
	// - selector_length: 1 byte
	// - selector: 1 byte
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	return 1 + 1 + 73 + 1 + 33 + 1 + 32 + 1 + 1 + 1 + len(h.Script)
}

// MaxRefundWitnessSize returns the maximum size of a refund witness.
func (h *Htlc) MaxRefundWitnessSize() int {
	// - number_of_witness_elements: 1 byte
	// - sig_length: 1 byte
	// - sig: 73 bytes
	// - pubkey_length: 1 byte
	// - pubkey: 33 bytes
	// - selector_length: 1 byte
	// - witness_script_length: 1 byte
	// - witness_script: len(script) bytes
	return 1 + 1 + 73 + 1 + 33 + 1 + 1 + len(h.Script)
}

// ParseHtlcScript rebuilds an Htlc from a serialized witness script,
// verifying that the script matches the template exactly.
func ParseHtlcScript(script []byte,
	chainParams *chaincfg.Params) (*Htlc, error) {

	p := scriptParser{
		tokenizer: txscript.MakeScriptTokenizer(0, script),
	}

	p.expectOp(txscript.OP_IF)

	p.expectOp(txscript.OP_SIZE)
	if size := p.number(); size != 32 {
		return nil, fmt.Errorf("%w: preimage size check %d",
			ErrInvalidScript, size)
	}
	p.expectOp(txscript.OP_EQUALVERIFY)

	p.expectOp(txscript.OP_SHA256)
	paymentHash := p.push(32)
	p.expectOp(txscript.OP_EQUALVERIFY)

	p.expectOp(txscript.OP_DUP)
	p.expectOp(txscript.OP_HASH160)
	claimerKeyHash := p.push(20)
	p.expectOp(txscript.OP_EQUALVERIFY)
	p.expectOp(txscript.OP_CHECKSIG)

	p.expectOp(txscript.OP_ELSE)

	lockHeight := p.number()
	p.expectOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	p.expectOp(txscript.OP_DROP)

	p.expectOp(txscript.OP_DUP)
	p.expectOp(txscript.OP_HASH160)
	refunderKeyHash := p.push(20)
	p.expectOp(txscript.OP_EQUALVERIFY)
	p.expectOp(txscript.OP_CHECKSIG)

	p.expectOp(txscript.OP_ENDIF)

	if p.err != nil {
		return nil, p.err
	}
	if p.tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing instructions",
			ErrInvalidScript)
	}
	if lockHeight < 0 || lockHeight > int64(^uint32(0)) {
		return nil, fmt.Errorf("%w: lock height %d out of range",
			ErrInvalidScript, lockHeight)
	}

	var (
		hash     lntypes.Hash
		claimer  KeyHash
		refunder KeyHash
	)
	copy(hash[:], paymentHash)
	copy(claimer[:], claimerKeyHash)
	copy(refunder[:], refunderKeyHash)

	htlc, err := NewHtlc(
		hash, claimer, refunder, uint32(lockHeight), chainParams,
	)
	if err != nil {
		return nil, err
	}

	return htlc, nil
}

// scriptParser walks a script tokenizer, latching the first error so callers
// can chain expectations without checking each step.
type scriptParser struct {
	tokenizer txscript.ScriptTokenizer
	err       error
}

func (p *scriptParser) next() bool {
	if p.err != nil {
		return false
	}
	if !p.tokenizer.Next() {
		p.err = fmt.Errorf("%w: unexpected end of script",
			ErrInvalidScript)
		return false
	}

	return true
}

func (p *scriptParser) expectOp(op byte) {
	if !p.next() {
		return
	}
	if p.tokenizer.Opcode() != op {
		p.err = fmt.Errorf("%w: expected opcode 0x%02x, got 0x%02x",
			ErrInvalidScript, op, p.tokenizer.Opcode())
	}
}

func (p *scriptParser) push(size int) []byte {
	if !p.next() {
		return nil
	}
	data := p.tokenizer.Data()
	if len(data) != size {
		p.err = fmt.Errorf("%w: expected %d byte push, got %d",
			ErrInvalidScript, size, len(data))
		return nil
	}

	return data
}

// number reads a minimally encoded script number, accepting both data pushes
// and the small-integer opcodes the script builder emits for values <= 16.
func (p *scriptParser) number() int64 {
	if !p.next() {
		return 0
	}

	op := p.tokenizer.Opcode()
	switch {
	case op == txscript.OP_0:
		return 0

	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int64(op-txscript.OP_1) + 1
	}

	num, err := txscript.MakeScriptNum(p.tokenizer.Data(), true, 5)
	if err != nil {
		p.err = fmt.Errorf("%w: %v", ErrInvalidScript, err)
		return 0
	}

	return int64(num)
}
