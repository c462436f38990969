// Package utils provides utility functions and constants for common operations
// throughout the application.
package utils

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Ethereum address constants
var (
	// NullEthereumAddress is the null Ethereum address without the 0x prefix
	NullEthereumAddress = "0000000000000000000000000000000000000000"

	// NullEthereumAddressHex is the null Ethereum address with the 0x prefix
	NullEthereumAddressHex = fmt.Sprintf("0x%s", NullEthereumAddress)
)

var (
	txHashRegex    = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	hexStringRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
)

// AreAddressesEqual compares two Ethereum addresses for equality, ignoring case.
func AreAddressesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IsValidAddress reports whether s is a 0x prefixed, 20 byte hex address that is not the null address.
func IsValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	if !common.IsHexAddress(s) {
		return false
	}
	return !AreAddressesEqual(s, NullEthereumAddressHex)
}

// NormalizeAddress lower-cases and trims an address. It does not validate it.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// IsValidTransactionHash reports whether s is a 0x prefixed, 32 byte hex hash.
func IsValidTransactionHash(s string) bool {
	return txHashRegex.MatchString(s)
}

// IsHexIdentifier reports whether s is a 0x prefixed hex string of at most 32 bytes.
func IsHexIdentifier(s string) bool {
	return hexStringRegex.MatchString(s)
}

// NormalizeTransactionHash returns the canonical form of a transaction hash: 0x followed by 64
// lower-case hex digits, left padded with zeros the way the node pads it. Strings that are not hex
// identifiers are only trimmed and lower-cased so validation can still reject them.
func NormalizeTransactionHash(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !IsHexIdentifier(s) {
		return s
	}
	return common.HexToHash(s).Hex()
}

// ConvertBytesToString converts a byte array to a hexadecimal string with 0x prefix.
func ConvertBytesToString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// Map applies f to every element of l.
func Map[A any, B any](l []A, f func(A, uint64) B) []B {
	out := make([]B, len(l))
	for i, v := range l {
		out[i] = f(v, uint64(i))
	}
	return out
}

// Filter returns the elements of l for which f returns true.
func Filter[A any](l []A, f func(A) bool) []A {
	out := make([]A, 0)
	for _, v := range l {
		if f(v) {
			out = append(out, v)
		}
	}
	return out
}
