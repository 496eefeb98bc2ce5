package lsp

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// DefaultMaxCompletions caps the list handed back to callers. Servers
// routinely return thousands of items; nobody scrolls that far.
const DefaultMaxCompletions = 200

// RankOptions tune completion ranking for one language.
type RankOptions struct {
	// MaxResults truncates the ranked list. Zero means DefaultMaxCompletions.
	MaxResults int

	// DemotedSortPrefix marks a server-assigned sortText tier (such as
	// auto-import suggestions) that is pushed to the bottom whenever the
	// item does not match the typed prefix.
	DemotedSortPrefix string
}

// RankCompletions orders completion items for display. Items matching
// the typed prefix come first, with exact matches ahead of the rest.
// Within each tier the server's sortText ordering is respected, with
// numeric tiers compared as numbers so "9" sorts before "10". Items in
// the demoted sortText tier that miss the prefix sink to the bottom.
// The input slice is not modified.
func RankCompletions(items []CompletionItem, prefix string, opts RankOptions) []CompletionItem {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxCompletions
	}

	ranked := make([]CompletionItem, len(items))
	copy(ranked, items)

	lower := strings.ToLower(prefix)
	sort.SliceStable(ranked, func(i, j int) bool {
		ti, tj := rankTier(&ranked[i], lower, opts.DemotedSortPrefix), rankTier(&ranked[j], lower, opts.DemotedSortPrefix)
		if ti != tj {
			return ti < tj
		}
		return compareSortKeys(sortKey(&ranked[i]), sortKey(&ranked[j])) < 0
	})

	if len(ranked) > maxResults {
		ranked = ranked[:maxResults]
	}
	return ranked
}

// rankTier buckets an item: 0 exact match, 1 prefix match, 2 neutral,
// 3 demoted. With an empty prefix everything is neutral except the
// demoted tier, which still sinks.
func rankTier(item *CompletionItem, lowerPrefix, demotedPrefix string) int {
	match := matchText(item)
	if lowerPrefix != "" {
		if match == lowerPrefix {
			return 0
		}
		if strings.HasPrefix(match, lowerPrefix) {
			return 1
		}
	}
	if demotedPrefix != "" && inDemotedTier(item.SortText, demotedPrefix) {
		return 3
	}
	return 2
}

// inDemotedTier reports whether a sort key sits in the demoted numeric
// tier. Tiers are whole numbers: "11" covers "11" and "11-0" but not
// "110abc". A non-numeric configured tier falls back to a literal
// prefix match.
func inDemotedTier(sortText, demotedPrefix string) bool {
	dp, rest := splitDigits(demotedPrefix)
	if dp == "" || rest != "" {
		return strings.HasPrefix(sortText, demotedPrefix)
	}
	ds, _ := splitDigits(sortText)
	return ds != "" && numericValue(ds) == numericValue(dp)
}

// matchText is what the typed prefix is matched against: filterText when
// the server provides one, else the label.
func matchText(item *CompletionItem) string {
	if item.FilterText != "" {
		return strings.ToLower(item.FilterText)
	}
	return strings.ToLower(item.Label)
}

// sortKey is the server's ordering hint: sortText when present, else the
// label.
func sortKey(item *CompletionItem) string {
	if item.SortText != "" {
		return item.SortText
	}
	return item.Label
}

// compareSortKeys compares two sort keys, treating leading digit runs as
// numbers. Servers emit numeric tiers like "3" and "11"; plain string
// comparison would put "11" before "3".
func compareSortKeys(a, b string) int {
	da, ra := splitDigits(a)
	db, rb := splitDigits(b)

	if da != "" && db != "" {
		na, nb := numericValue(da), numericValue(db)
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
		return strings.Compare(ra, rb)
	}
	return strings.Compare(a, b)
}

// splitDigits splits a string into its leading digit run and the rest.
func splitDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}

// numericValue parses a digit run, ignoring leading zeros. Runs are
// short in practice; overflow is not a concern.
func numericValue(digits string) uint64 {
	var n uint64
	for i := 0; i < len(digits); i++ {
		n = n*10 + uint64(digits[i]-'0')
	}
	return n
}

// NormalizeCompletionResult accepts both wire shapes for a completion
// response: a bare item array, or a CompletionList envelope with an
// items field. Null and malformed results normalize to an empty slice.
func NormalizeCompletionResult(raw json.RawMessage) []CompletionItem {
	if len(raw) == 0 {
		return nil
	}

	parsed := gjson.ParseBytes(raw)
	var itemsJSON string
	switch {
	case parsed.IsArray():
		itemsJSON = parsed.Raw
	case parsed.Get("items").IsArray():
		itemsJSON = parsed.Get("items").Raw
	default:
		return nil
	}

	var items []CompletionItem
	if err := json.Unmarshal([]byte(itemsJSON), &items); err != nil {
		return nil
	}
	return items
}
