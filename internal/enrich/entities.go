package enrich

import (
	"sort"
	"strings"

	"finsight/internal/types"
)

// orgSuffixes mark strings that name an organization even when the pseudonym
// walk has already replaced person names.
var orgSuffixes = []string{
	"inc", "inc.", "llc", "ltd", "ltd.", "corp", "corp.", "corporation",
	"gmbh", "s.a.", "plc", "co", "co.", "company", "bank", "group",
	"holdings", "partners", "solutions", "services", "technologies",
}

// entityFields are record keys whose values are entity names by convention.
var entityFields = map[string]bool{
	"company": true, "company_name": true, "merchant": true, "merchant_name": true,
	"counterparty": true, "vendor": true, "payee": true, "organization": true,
	"business_name": true, "employer": true,
}

// ExtractEntities walks a record and collects likely organization names:
// values of conventional entity fields plus any capitalized multi-word string
// carrying an organization suffix. Pseudonym tokens (all-caps prefix + hex)
// are ignored. The result is sorted and de-duplicated.
func ExtractEntities(record types.Record) []string {
	seen := make(map[string]bool)
	walkEntities("", map[string]any(record), seen)

	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func walkEntities(field string, v any, seen map[string]bool) {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			walkEntities(k, item, seen)
		}
	case []any:
		for _, item := range val {
			walkEntities(field, item, seen)
		}
	case string:
		if isPseudonymToken(val) {
			return
		}
		if entityFields[strings.ToLower(field)] && val != "" {
			seen[val] = true
			return
		}
		if looksLikeOrganization(val) {
			seen[val] = true
		}
	}
}

// connectorWords may stay lowercase inside an organization name.
var connectorWords = map[string]bool{"of": true, "and": true, "the": true, "&": true, "for": true}

// looksLikeOrganization accepts capitalized multi-word strings ending in a
// known organization suffix. Every word must be capitalized except common
// connectors, so free text mentioning a company does not match as a whole.
func looksLikeOrganization(s string) bool {
	words := strings.Fields(s)
	if len(words) < 2 || len(words) > 8 {
		return false
	}
	last := strings.ToLower(strings.Trim(words[len(words)-1], ",."))
	suffixed := false
	for _, suf := range orgSuffixes {
		if last == suf {
			suffixed = true
			break
		}
	}
	if !suffixed {
		return false
	}
	for _, w := range words[:len(words)-1] {
		if connectorWords[strings.ToLower(w)] {
			continue
		}
		if w[0] < 'A' || w[0] > 'Z' {
			return false
		}
	}
	return true
}

// isPseudonymToken recognizes the PREFIX_hex shape emitted by the
// pseudonymizer so tokens are never sent out as entities.
func isPseudonymToken(s string) bool {
	underscore := strings.IndexByte(s, '_')
	if underscore <= 0 {
		return false
	}
	prefix := s[:underscore]
	for _, r := range prefix {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	rest := s[underscore+1:]
	if rest == "" {
		return false
	}
	hexLen := 0
	for _, r := range rest {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			hexLen++
			continue
		}
		break
	}
	return hexLen >= 8
}
