package schema

import "time"

// Pair is an unordered pair of credential ids, normalized so that A < B.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair builds a normalized pair from two credential ids in any order.
func NewPair(x, y string) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Contains reports whether id is one of the pair's members.
func (p Pair) Contains(id string) bool {
	return p.A == id || p.B == id
}

// Matches compares p against two ids regardless of their order.
func (p Pair) Matches(x, y string) bool {
	return p == NewPair(x, y)
}

// OrderedPair is the exact ordered pair used to derive a vault key.
type OrderedPair struct {
	First  string `json:"first"`
	Second string `json:"second"`
}

// Unordered returns the normalized form of the ordered pair.
func (o OrderedPair) Unordered() Pair {
	return NewPair(o.First, o.Second)
}

// KeyWrap holds a vault content key sealed under one access pair's key.
// Only present on shared-mode vaults.
type KeyWrap struct {
	Pair       Pair   `json:"pair"`
	IV         []byte `json:"iv"`
	WrappedKey []byte `json:"wrapped_key"`
}

// Vault is an encrypted blob plus the bookkeeping of which credential pairs
// are recorded as able to open it. Vaults are immutable after creation.
type Vault struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Mode           VaultMode   `json:"mode"`
	Ciphertext     []byte      `json:"ciphertext"`
	IV             []byte      `json:"iv"`
	Salt           []byte      `json:"salt"`
	CreatedAt      time.Time   `json:"created_at"`
	AccessPairs    []Pair      `json:"access_pairs"`
	DerivationPair OrderedPair `json:"derivation_pair"`
	Wraps          []KeyWrap   `json:"wraps,omitempty"`
}

// HasPair reports whether {x, y} is among the vault's access pairs.
func (v *Vault) HasPair(x, y string) bool {
	for _, p := range v.AccessPairs {
		if p.Matches(x, y) {
			return true
		}
	}
	return false
}

// WrapFor returns the key wrap recorded for {x, y}, if any.
func (v *Vault) WrapFor(x, y string) (KeyWrap, bool) {
	for _, w := range v.Wraps {
		if w.Pair.Matches(x, y) {
			return w, true
		}
	}
	return KeyWrap{}, false
}

// VaultSummary is the listing view of a vault, without key material.
type VaultSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Mode        VaultMode `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	AccessPairs []Pair    `json:"access_pairs"`
	Size        int       `json:"size"`
}

// Summary projects the vault to its listing view.
func (v *Vault) Summary() VaultSummary {
	return VaultSummary{
		ID:          v.ID,
		Name:        v.Name,
		Mode:        v.Mode,
		CreatedAt:   v.CreatedAt,
		AccessPairs: v.AccessPairs,
		Size:        len(v.Ciphertext),
	}
}
