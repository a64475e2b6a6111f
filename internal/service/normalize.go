package service

import (
	"strings"

	"github.com/arturoeanton/go-asset-reconciler/internal/domain"
)

// placeholders are sentinel "unknown" values found in inventory data, compared
// lower-cased with all whitespace removed so "S / N" and "s/n" are the same key.
var placeholders = map[string]bool{
	"n/a":      true,
	"n.a.":     true,
	"na":       true,
	"s/n":      true,
	"s.n.":     true,
	"sn":       true,
	"noaplica": true,
	"x":        true,
}

// NormalizeText collapses runs of whitespace into one space and trims the ends.
func NormalizeText(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// IsMeaningful reports whether v carries information, i.e. it is not blank
// and not one of the placeholder values.
func IsMeaningful(v string) bool {
	key := strings.ToLower(strings.Join(strings.Fields(v), ""))
	if key == "" {
		return false
	}
	if strings.Trim(key, "-") == "" {
		return false
	}
	return !placeholders[key]
}

// EmbeddingText builds the text embedded for a catalog entry from its
// meaningful name, brand and model, in that order.
func EmbeddingText(a domain.Asset) string {
	parts := make([]string, 0, 3)
	for _, v := range []string{a.Name, a.Brand, a.Model} {
		if IsMeaningful(v) {
			parts = append(parts, v)
		}
	}
	return NormalizeText(strings.Join(parts, " "))
}
