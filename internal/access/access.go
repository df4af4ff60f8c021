// Package access records which credential pairs are associated with a vault
// and locates vaults for a presented pair.
package access

import (
	"sort"

	"github.com/rendis/pairvault/pkg/schema"
)

// AtCreation computes the access structure for a new vault from the active
// credentials in enumeration order (enrollment time, then id).
//
// It returns every unordered pair over those credentials, n*(n-1)/2 of them,
// and the ordered pair of the first two credentials, which derives the key.
func AtCreation(active []*schema.Credential) ([]schema.Pair, schema.OrderedPair, error) {
	if len(active) < 2 {
		return nil, schema.OrderedPair{}, schema.NewErrorf(schema.ErrCodeValidation,
			"at least 2 active credentials are required, have %d", len(active))
	}

	creds := make([]*schema.Credential, len(active))
	copy(creds, active)
	SortForEnumeration(creds)

	pairs := make([]schema.Pair, 0, len(creds)*(len(creds)-1)/2)
	for i := 0; i < len(creds); i++ {
		for j := i + 1; j < len(creds); j++ {
			pairs = append(pairs, schema.NewPair(creds[i].ID, creds[j].ID))
		}
	}
	used := schema.OrderedPair{First: creds[0].ID, Second: creds[1].ID}
	return pairs, used, nil
}

// SortForEnumeration orders credentials by enrollment time, then id.
func SortForEnumeration(creds []*schema.Credential) {
	sort.SliceStable(creds, func(i, j int) bool {
		if !creds[i].EnrolledAt.Equal(creds[j].EnrolledAt) {
			return creds[i].EnrolledAt.Before(creds[j].EnrolledAt)
		}
		return creds[i].ID < creds[j].ID
	})
}

// Candidates returns every vault whose access pairs contain {a, b}, most
// recently created first. Ties on creation time fall back to id descending.
func Candidates(vaults []*schema.Vault, a, b string) []*schema.Vault {
	var out []*schema.Vault
	for _, v := range vaults {
		if v.HasPair(a, b) {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Lookup returns the vault that {a, b} is recorded against. When several
// vaults list the pair, the most recently created one wins.
func Lookup(vaults []*schema.Vault, a, b string) (*schema.Vault, error) {
	if a == b {
		return nil, schema.NewError(schema.ErrCodeValidation, "two different credentials are required")
	}
	matches := Candidates(vaults, a, b)
	if len(matches) == 0 {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no vault found for this key pair").
			WithDetails(map[string]any{"pair": schema.NewPair(a, b)})
	}
	return matches[0], nil
}

// IsDerivationPair reports whether {a, b} is the pair the vault key was
// derived from.
func IsDerivationPair(v *schema.Vault, a, b string) bool {
	return v.DerivationPair.Unordered().Matches(a, b)
}
