// Package custody decodes the packed on-chain balance word.
//
// The contract stores both sub-balances of a (holder, token) pair in one
// 256-bit word: the escrowed portion in the high 128 bits and the user-owned
// (unconfirmed) portion in the low 128 bits. The service never writes this
// word, it only reads and compares it; Encode exists for tests and tooling.
package custody

import (
	"errors"
	"fmt"
	"math/big"
)

// ErrMalformedWord marks a word that cannot be a valid custody encoding.
// A contract read that yields one is unprovable state, not a transient
// fault; callers branch on it with errors.Is.
var ErrMalformedWord = errors.New("custody: malformed word")

// WordBits is the width of the packed word; each sub-balance gets half.
const (
	WordBits = 256
	HalfBits = WordBits / 2
)

var (
	halfMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), HalfBits), big.NewInt(1))
	wordMax = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), WordBits), big.NewInt(1))
)

// Balances is the decoded form of a custody word.
type Balances struct {
	// UserOwned is the unconfirmed portion still attributed to the holder.
	UserOwned *big.Int
	// Escrow is the portion already committed to the protocol.
	Escrow *big.Int
}

// UserOwnedIsZero reports whether there is nothing left to confirm.
func (b Balances) UserOwnedIsZero() bool {
	return b.UserOwned.Sign() == 0
}

// Equal reports whether two decoded balances are identical.
func (b Balances) Equal(other Balances) bool {
	return b.UserOwned.Cmp(other.UserOwned) == 0 && b.Escrow.Cmp(other.Escrow) == 0
}

// Decode splits a packed word into its sub-balances.
func Decode(word *big.Int) (Balances, error) {
	if word == nil {
		return Balances{}, fmt.Errorf("%w: nil", ErrMalformedWord)
	}
	if word.Sign() < 0 {
		return Balances{}, fmt.Errorf("%w: negative", ErrMalformedWord)
	}
	if word.Cmp(wordMax) > 0 {
		return Balances{}, fmt.Errorf("%w: exceeds %d bits", ErrMalformedWord, WordBits)
	}
	user := new(big.Int).And(word, halfMax)
	escrow := new(big.Int).Rsh(word, HalfBits)
	return Balances{UserOwned: user, Escrow: escrow}, nil
}

// Encode packs two sub-balances into one word. It is the inverse of Decode.
func Encode(userOwned, escrow *big.Int) (*big.Int, error) {
	if userOwned == nil || escrow == nil {
		return nil, fmt.Errorf("custody: nil sub-balance")
	}
	if userOwned.Sign() < 0 || escrow.Sign() < 0 {
		return nil, fmt.Errorf("custody: negative sub-balance")
	}
	if userOwned.Cmp(halfMax) > 0 {
		return nil, fmt.Errorf("custody: user-owned exceeds %d bits", HalfBits)
	}
	if escrow.Cmp(halfMax) > 0 {
		return nil, fmt.Errorf("custody: escrow exceeds %d bits", HalfBits)
	}
	word := new(big.Int).Lsh(escrow, HalfBits)
	word.Or(word, userOwned)
	return word, nil
}
