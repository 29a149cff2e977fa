// Package match evaluates stored alerts against ingested offers. All set
// criteria of an alert must hold; a criterion whose offer field was never
// extracted is skipped rather than failed, so sparse listings still match.
package match

import (
	"strings"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
)

// CheckMatch reports whether the offer satisfies every set criterion of the
// alert. Criteria left nil or empty on the alert are unconstrained.
func CheckMatch(a *db.Alert, o *offer.Offer) bool {
	if a.City != "" && !strings.EqualFold(a.City, o.City) {
		return false
	}
	if len(a.Districts) > 0 && o.District != "" && !containsFold(a.Districts, o.District) {
		return false
	}

	if a.MinPrice != nil && o.Price < *a.MinPrice {
		return false
	}
	if a.MaxPrice != nil && o.Price > *a.MaxPrice {
		return false
	}

	// Range criteria on optional offer fields skip when the field was not
	// extracted.
	if o.Footage != nil {
		if a.MinFootage != nil && *o.Footage < *a.MinFootage {
			return false
		}
		if a.MaxFootage != nil && *o.Footage > *a.MaxFootage {
			return false
		}
	}
	if o.Rooms != nil {
		if a.MinRooms != nil && *o.Rooms < *a.MinRooms {
			return false
		}
		if a.MaxRooms != nil && *o.Rooms > *a.MaxRooms {
			return false
		}
	}
	if o.Floor != nil {
		if a.MinFloor != nil && *o.Floor < *a.MinFloor {
			return false
		}
		if a.MaxFloor != nil && *o.Floor > *a.MaxFloor {
			return false
		}
	}

	if a.Furnished != nil && o.Furnished != nil && *a.Furnished != *o.Furnished {
		return false
	}
	if a.Elevator != nil && o.Elevator != nil && *a.Elevator != *o.Elevator {
		return false
	}
	if a.Pets != nil && o.Pets != nil && *a.Pets != *o.Pets {
		return false
	}

	// Category filters skip offers whose classification was never
	// extracted; a classified value, "other" included, must be listed.
	if len(a.BuildingTypes) > 0 && o.BuildingType != "" &&
		!containsFold(a.BuildingTypes, string(o.BuildingType)) {
		return false
	}
	if len(a.ParkingTypes) > 0 && o.ParkingType != "" &&
		!containsFold(a.ParkingTypes, string(o.ParkingType)) {
		return false
	}
	if a.OwnerType != "" && o.OwnerType != "" && !strings.EqualFold(a.OwnerType, string(o.OwnerType)) {
		return false
	}

	if len(a.Keywords) > 0 && !matchesKeywords(a.Keywords, o) {
		return false
	}

	return true
}

// matchesKeywords reports whether any keyword occurs in the offer's title
// or description, case-insensitively.
func matchesKeywords(keywords []string, o *offer.Offer) bool {
	haystack := strings.ToLower(o.Title + "\n" + o.Description)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), value) {
			return true
		}
	}
	return false
}
