package domain

import "strings"

// PathDelimiter separates levels of the asset location hierarchy.
const PathDelimiter = "/"

// LocationFilter matches a location path and everything below it.
type LocationFilter struct {
	Path string
}

// NewLocationFilter builds a "self or descendant" filter for path.
// It returns nil when path is empty or blank, meaning "no filter".
func NewLocationFilter(path string) *LocationFilter {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil
	}
	return &LocationFilter{Path: p}
}

// Matches reports whether location equals the filter path or lies below it.
func (f *LocationFilter) Matches(location string) bool {
	if f == nil {
		return true
	}
	return location == f.Path || strings.HasPrefix(location, f.Path+PathDelimiter)
}

// DescendantPattern returns a LIKE pattern matching strict descendants of the path.
// Wildcards in the path are escaped with a backslash so the path is matched literally.
func (f *LocationFilter) DescendantPattern() string {
	return EscapeLike(f.Path) + PathDelimiter + "%"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes the LIKE metacharacters of s.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}
