package store

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds an owner name for comparison: diacritics removed,
// lowercased, whitespace collapsed. "José  Silva" and "jose silva" compare equal.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// FindOwnerByName looks an owner up by normalized name.
func FindOwnerByName(ctx context.Context, s Store, name string) (Owner, bool, error) {
	want := NormalizeName(name)
	if want == "" {
		return Owner{}, false, nil
	}
	owners, err := s.ListOwners(ctx)
	if err != nil {
		return Owner{}, false, err
	}
	for _, o := range owners {
		if NormalizeName(o.Name) == want {
			return o, true, nil
		}
	}
	return Owner{}, false, nil
}
