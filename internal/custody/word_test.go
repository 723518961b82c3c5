package custody

import (
	"errors"
	"math/big"
	"testing"
)

func maxHalf() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), HalfBits), big.NewInt(1))
}

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		user   *big.Int
		escrow *big.Int
	}{
		{"zero", big.NewInt(0), big.NewInt(0)},
		{"user only", big.NewInt(12345), big.NewInt(0)},
		{"escrow only", big.NewInt(0), big.NewInt(98765)},
		{"both", big.NewInt(1), big.NewInt(2)},
		{"max user", maxHalf(), big.NewInt(0)},
		{"max escrow", big.NewInt(0), maxHalf()},
		{"max both", maxHalf(), maxHalf()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			word, err := Encode(tc.user, tc.escrow)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			got, err := Decode(word)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if got.UserOwned.Cmp(tc.user) != 0 {
				t.Fatalf("user owned mismatch: got %s want %s", got.UserOwned, tc.user)
			}
			if got.Escrow.Cmp(tc.escrow) != 0 {
				t.Fatalf("escrow mismatch: got %s want %s", got.Escrow, tc.escrow)
			}
		})
	}
}

func TestDecodeLayout(t *testing.T) {
	// escrow=5 in the high half, user=7 in the low half.
	word := new(big.Int).Lsh(big.NewInt(5), HalfBits)
	word.Or(word, big.NewInt(7))

	got, err := Decode(word)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.UserOwned.Int64() != 7 {
		t.Fatalf("user owned = %s, want 7", got.UserOwned)
	}
	if got.Escrow.Int64() != 5 {
		t.Fatalf("escrow = %s, want 5", got.Escrow)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), WordBits)
	for name, word := range map[string]*big.Int{
		"nil":      nil,
		"negative": big.NewInt(-1),
		"overwide": over,
	} {
		if _, err := Decode(word); !errors.Is(err, ErrMalformedWord) {
			t.Errorf("%s word: err = %v, want ErrMalformedWord", name, err)
		}
	}
}

func TestEncodeRejectsOverflow(t *testing.T) {
	over := new(big.Int).Lsh(big.NewInt(1), HalfBits)
	if _, err := Encode(over, big.NewInt(0)); err == nil {
		t.Fatal("overwide user-owned should fail")
	}
	if _, err := Encode(big.NewInt(0), over); err == nil {
		t.Fatal("overwide escrow should fail")
	}
	if _, err := Encode(big.NewInt(-1), big.NewInt(0)); err == nil {
		t.Fatal("negative user-owned should fail")
	}
}

func TestUserOwnedIsZero(t *testing.T) {
	word, err := Encode(big.NewInt(0), big.NewInt(100))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	b, err := Decode(word)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !b.UserOwnedIsZero() {
		t.Fatal("user owned should be zero")
	}
}
