package offer

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberRe  = regexp.MustCompile(`\d[\d\s\x{00a0}]*(?:[.,]\d+)?`)
	footageRe = regexp.MustCompile(`(\d{1,3}(?:[.,]\d{1,2})?)\s*(?:m2|m²|m\^2|mkw|metr)`)
)

// ParseDecimal parses a locale-formatted number ("2 400", "2.400,50",
// "48,5 m²") into a float rounded to cents. Returns false when no numeric
// content is present.
func ParseDecimal(text string) (float64, bool) {
	m := numberRe.FindString(text)
	if m == "" {
		return 0, false
	}

	m = strings.ReplaceAll(m, " ", "")
	m = strings.ReplaceAll(m, " ", "")

	// A comma is the locale decimal separator; a dot may be either a decimal
	// point or a thousands separator ("2.400"). Dots followed by exactly
	// three digits are grouping.
	if strings.Contains(m, ",") {
		m = strings.ReplaceAll(m, ".", "")
		m = strings.Replace(m, ",", ".", 1)
	} else if idx := strings.LastIndex(m, "."); idx != -1 && len(m)-idx-1 == 3 {
		m = strings.ReplaceAll(m, ".", "")
	}

	val, err := strconv.ParseFloat(m, 64)
	if err != nil {
		return 0, false
	}
	return math.Round(val*100) / 100, true
}

// ParseTriState maps yes/no phrasing to a boolean and anything else to nil.
// Absence is never guessed: an unrecognised value stays unknown.
func ParseTriState(text string) *bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "tak", "yes", "true", "1":
		v := true
		return &v
	case "nie", "no", "false", "0":
		v := false
		return &v
	default:
		return nil
	}
}

// Synonym tables for enum classification. Matching is by substring against
// the lower-cased raw value; first hit wins, unknown input falls through to
// the OTHER bucket and never errors.
var buildingSynonyms = []struct {
	fragment string
	value    BuildingType
}{
	{"blok", BuildingBlock},
	{"kamienic", BuildingTenement},
	{"apartamentow", BuildingApartment},
	{"wieżowiec", BuildingApartment},
	{"dom wolnostojący", BuildingDetachedHouse},
	{"dom", BuildingDetachedHouse},
	{"szereg", BuildingDetachedHouse},
	{"loft", BuildingLoft},
}

var parkingSynonyms = []struct {
	fragment string
	value    ParkingType
}{
	{"garaż", ParkingGarage},
	{"podziemn", ParkingGarage},
	{"strzeżon", ParkingGuarded},
	{"ulic", ParkingStreet},
	{"przynależne", ParkingGuarded},
	{"brak", ParkingNone},
}

var ownerSynonyms = []struct {
	fragment string
	value    OwnerType
}{
	{"prywatn", OwnerPrivate},
	{"osoby prywatnej", OwnerPrivate},
	{"właściciel", OwnerPrivate},
	{"biuro", OwnerAgency},
	{"agencj", OwnerAgency},
	{"firmow", OwnerAgency},
	{"deweloper", OwnerAgency},
}

// ClassifyBuilding maps a raw building description onto the enum.
func ClassifyBuilding(text string) BuildingType {
	lower := strings.ToLower(text)
	for _, s := range buildingSynonyms {
		if strings.Contains(lower, s.fragment) {
			return s.value
		}
	}
	return BuildingOther
}

// ClassifyParking maps a raw parking description onto the enum.
func ClassifyParking(text string) ParkingType {
	lower := strings.ToLower(text)
	for _, s := range parkingSynonyms {
		if strings.Contains(lower, s.fragment) {
			return s.value
		}
	}
	return ParkingOther
}

// ClassifyOwner maps a raw advertiser description onto the enum.
func ClassifyOwner(text string) OwnerType {
	lower := strings.ToLower(text)
	for _, s := range ownerSynonyms {
		if strings.Contains(lower, s.fragment) {
			return s.value
		}
	}
	return OwnerOther
}

// ParseRooms buckets a room-count label. "Kawalerka" is one room, "4 i
// więcej" collapses to four.
func ParseRooms(text string) (int, bool) {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "kawalerka") {
		return 1, true
	}
	if strings.Contains(lower, "i więcej") || strings.Contains(lower, "4+") {
		return 4, true
	}

	m := regexp.MustCompile(`\d+`).FindString(lower)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > 4 {
		n = 4
	}
	return n, true
}

// ParseFloor buckets a floor label into the sentinel scheme: ground floor
// is zero, basements -1, attics 99, anything above the tenth floor 11.
// Labels like "4/10" carry the building height after the slash; only the
// part before it is the floor.
func ParseFloor(text string) (int, bool) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return 0, false
	}

	if idx := strings.Index(lower, "/"); idx != -1 {
		lower = strings.TrimSpace(lower[:idx])
	}

	switch {
	case strings.Contains(lower, "parter"):
		return 0, true
	case strings.Contains(lower, "suteren"), strings.Contains(lower, "piwnic"):
		return FloorBasement, true
	case strings.Contains(lower, "poddasze"), strings.Contains(lower, "strych"):
		return FloorAttic, true
	case strings.Contains(lower, "powyżej 10"), strings.Contains(lower, "10+"):
		return FloorAboveTen, true
	}

	m := regexp.MustCompile(`-?\d+`).FindString(lower)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	if n < 0 {
		return FloorBasement, true
	}
	if n > 10 {
		return FloorAboveTen, true
	}
	return n, true
}

// FootageFrom parses square footage from a dedicated field, or failing
// that scans the title for a "48 m²" style fragment.
func FootageFrom(field, title string) (float64, bool) {
	if field != "" {
		if v, ok := ParseDecimal(field); ok && v > 0 {
			return v, true
		}
	}
	if m := footageRe.FindStringSubmatch(strings.ToLower(title)); len(m) > 1 {
		if v, ok := ParseDecimal(m[1]); ok && v > 0 {
			return v, true
		}
	}
	return 0, false
}
