// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sigma

import (
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific RuleError.
const (
	// ErrSpendLimitExceeded indicates a per-transaction or per-block limit
	// on Sigma spends would be exceeded.
	ErrSpendLimitExceeded ErrorCode = iota

	// ErrSchemeNotActive indicates a Sigma operation before the Sigma
	// start block.
	ErrSchemeNotActive

	// ErrGracePeriodExpired indicates a Zerocoin V2 operation after its
	// graceful period following the Sigma start block.
	ErrGracePeriodExpired

	// ErrRemintWindowClosed indicates a Zerocoin to Sigma remint outside
	// of the remint window.
	ErrRemintWindowClosed

	// ErrZerocoinDisabled indicates a Zerocoin operation at or after the
	// block disabling Zerocoin.
	ErrZerocoinDisabled

	// ErrInvalidSpend indicates a malformed spend such as a negative
	// value or an unknown scheme.
	ErrInvalidSpend

	// ErrStaleHeight indicates a spend offered for a height below the one
	// the running totals already track.
	ErrStaleHeight

	// ErrDuplicateSpend indicates a spend transaction that was already
	// accepted for the same height.
	ErrDuplicateSpend

	// ErrModulusRetired indicates a Zerocoin operation on a coin of the
	// first accumulator modulus after that modulus was retired.
	ErrModulusRetired
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrSpendLimitExceeded: "ErrSpendLimitExceeded",
	ErrSchemeNotActive:    "ErrSchemeNotActive",
	ErrGracePeriodExpired: "ErrGracePeriodExpired",
	ErrRemintWindowClosed: "ErrRemintWindowClosed",
	ErrZerocoinDisabled:   "ErrZerocoinDisabled",
	ErrInvalidSpend:       "ErrInvalidSpend",
	ErrStaleHeight:        "ErrStaleHeight",
	ErrDuplicateSpend:     "ErrDuplicateSpend",
	ErrModulusRetired:     "ErrModulusRetired",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// RuleError identifies a rule violation.  It is used to indicate that a spend
// failed one of the Sigma acceptance rules.  The caller can use type
// assertions to determine if a failure was specifically due to a rule
// violation and access the ErrorCode field to ascertain the specific reason
// for the rule violation.
type RuleError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// ruleError creates an RuleError given a set of arguments.
func ruleError(c ErrorCode, desc string) RuleError {
	return RuleError{ErrorCode: c, Description: desc}
}
