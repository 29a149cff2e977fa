package geocode

import (
	"regexp"
	"strings"
)

var (
	streetPrefixRe = regexp.MustCompile(`(?i)^(ul\.|ulica|al\.|aleja|pl\.|plac|os\.|osiedle)\s+`)
	houseNumberRe  = regexp.MustCompile(`\s+\d+[a-zA-Z]?(/\d+[a-zA-Z]?)?$`)
)

// AddressVariations builds the lookup ladder for an address: each entry is
// less specific than the one before, so the first provider hit is the best
// available. Duplicate variations are collapsed.
func AddressVariations(address, city string) []string {
	address = strings.TrimSpace(address)
	city = strings.TrimSpace(city)

	var candidates []string
	add := func(parts ...string) {
		var nonEmpty []string
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				nonEmpty = append(nonEmpty, p)
			}
		}
		if len(nonEmpty) > 0 {
			candidates = append(candidates, strings.Join(nonEmpty, ", "))
		}
	}

	add(address, city)

	noPrefix := streetPrefixRe.ReplaceAllString(address, "")
	add(noPrefix, city)

	noNumber := houseNumberRe.ReplaceAllString(noPrefix, "")
	add(noNumber, city)

	add(city)

	seen := make(map[string]bool, len(candidates))
	var variations []string
	for _, c := range candidates {
		key := strings.ToLower(c)
		if !seen[key] {
			seen[key] = true
			variations = append(variations, c)
		}
	}
	return variations
}
