package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressSize is the size of a validator address in bytes.
const AddressSize = 20

// Errors
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrEmptyAddress   = errors.New("empty address")
)

// Address identifies a validator. It is unique within a validator set
// and derived from the validator's public key.
type Address struct {
	Data []byte `cramberry:"1"`
}

// NewAddress creates an Address from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewAddress(data []byte) (Address, error) {
	if len(data) != AddressSize {
		return Address{}, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidAddress, AddressSize, len(data))
	}
	copied := make([]byte, AddressSize)
	copy(copied, data)
	return Address{Data: copied}, nil
}

// MustNewAddress creates an Address, panicking if invalid.
// Use only for trusted internal data.
func MustNewAddress(data []byte) Address {
	a, err := NewAddress(data)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromPublicKey derives a validator address from its public key.
// The address is the first 20 bytes of the SHA-256 of the raw key.
func AddressFromPublicKey(pub PublicKey) Address {
	h := sha256.Sum256(pub.Data)
	return Address{Data: append([]byte(nil), h[:AddressSize]...)}
}

// AddressEqual compares two addresses
func AddressEqual(a, b Address) bool {
	return bytes.Equal(a.Data, b.Data)
}

// IsAddressEmpty returns true if the address is unset
func IsAddressEmpty(a Address) bool {
	return len(a.Data) == 0
}

// AddressString returns the hex-encoded address
func AddressString(a Address) string {
	return hex.EncodeToString(a.Data)
}

// CopyAddress returns a deep copy of an address
func CopyAddress(a Address) Address {
	data := make([]byte, len(a.Data))
	copy(data, a.Data)
	return Address{Data: data}
}
