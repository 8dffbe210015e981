package memory

import "strings"

// stopWords are dropped from recall queries before the keyword fallback
// builds its ILIKE conditions. Matching on them would make nearly every
// memory a hit.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {},
}

// keywordTokens extracts the search tokens for the keyword fallback:
// lowercase, whitespace-split, stop words and tokens of length ≤ 2
// removed, duplicates dropped with first-occurrence order preserved.
// Returns nil when nothing usable remains.
func keywordTokens(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) <= 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}
