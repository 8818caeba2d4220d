package lswap

import (
	"errors"

	"github.com/liquidswap/lswap/inventory"
	"github.com/liquidswap/lswap/swap"
)

var (
	// ErrQuoteNotFound is returned when a referenced quote does not
	// exist.
	ErrQuoteNotFound = errors.New("quote not found")

	// ErrSwapNotFound is returned when a referenced swap does not exist.
	ErrSwapNotFound = errors.New("swap not found")

	// ErrUnauthorized is returned when the caller's identity does not
	// hold the role required for the call.
	ErrUnauthorized = errors.New("caller not authorized for role")

	// ErrPolicyMismatch is returned when a quote's offer is no longer
	// the live offer. The caller must request a fresh quote.
	ErrPolicyMismatch = errors.New("quote no longer matches live offer")

	// ErrQuoteExpired is returned when a quote is past its expiry. The
	// caller must request a fresh quote.
	ErrQuoteExpired = errors.New("quote expired")

	// ErrInsufficientInventory is returned when the collateral pool
	// cannot cover a swap. The caller may retry later.
	ErrInsufficientInventory = inventory.ErrInsufficientInventory

	// ErrInvalidInvoice is returned when a caller supplied invoice is
	// missing, carries the wrong amount or is already expired.
	ErrInvalidInvoice = errors.New("invalid swap invoice")

	// ErrInvalidAddress is returned when a caller supplied ledger
	// address cannot be used as a lock key.
	ErrInvalidAddress = errors.New("invalid ledger address")

	// ErrPreimageMismatch is returned when a payment proof does not
	// match the lock's hash commitment. The swap is marked failed.
	ErrPreimageMismatch = swap.ErrPreimageMismatch

	// ErrSwapNotReady is returned when an execution action is invoked
	// before the swap state it depends on has been reached.
	ErrSwapNotReady = errors.New("swap not ready for requested action")

	// ErrLedgerUnavailable is returned when a ledger wallet call fails.
	// The swap state is unchanged and the caller may retry.
	ErrLedgerUnavailable = errors.New("asset ledger unavailable")

	// ErrPaymentNetworkUnavailable is returned when a payment network
	// call fails. The swap state is unchanged and the caller may retry.
	ErrPaymentNetworkUnavailable = errors.New(
		"payment network unavailable")
)
