package offer

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/scrape"
)

// FromRawFields builds a canonical Offer from one source's raw field map.
// The two sources share one mapping because the extractors already emit
// shared keys; only the source tag and base-URL context differ. Fields that
// fail to normalise are left at their zero/nil value; partial records are
// expected, not errors.
func FromRawFields(source Source, url string, rf scrape.RawFields, now time.Time) Offer {
	o := Offer{
		URL:         url,
		Source:      source,
		Views:       rf.Views,
		ViewsMethod: rf.ViewsMethod,
		Images:      rf.Images,
		Available:   true,

		SellerName:     rf.Seller.Name,
		SellerMemberID: rf.Seller.MemberID,

		OwnerType:    OwnerOther,
		BuildingType: BuildingOther,
		ParkingType:  ParkingOther,
	}

	if v, ok := rf.Get(scrape.FieldTitle); ok {
		o.Title = v
	}
	if v, ok := rf.Get(scrape.FieldDescription); ok {
		o.Description = v
	}
	if v, ok := rf.Get(scrape.FieldCity); ok {
		o.City = v
	}
	if v, ok := rf.Get(scrape.FieldDistrict); ok {
		o.District = v
	}
	if v, ok := rf.Get(scrape.FieldStreet); ok {
		street, number := splitStreet(v)
		if street != "" {
			o.Street = &street
		}
		if number != "" {
			o.StreetNumber = &number
		}
	}

	if v, ok := rf.Get(scrape.FieldPrice); ok {
		if price, parsed := ParseDecimal(v); parsed {
			o.Price = price
		} else {
			log.Debug().Str("url", url).Str("raw", v).Msg("Unparseable price")
		}
	}

	if v, ok := rf.Get(scrape.FieldRentExtra); ok {
		if extra, parsed := ParseDecimal(v); parsed {
			o.RentExtra = &extra
		}
	}

	footageField, _ := rf.Get(scrape.FieldFootage)
	if v, ok := FootageFrom(footageField, o.Title); ok {
		o.Footage = &v
	}

	if v, ok := rf.Get(scrape.FieldRooms); ok {
		if rooms, parsed := ParseRooms(v); parsed {
			o.Rooms = &rooms
		}
	}
	if v, ok := rf.Get(scrape.FieldFloor); ok {
		if floor, parsed := ParseFloor(v); parsed {
			o.Floor = &floor
		}
	}

	if v, ok := rf.Get(scrape.FieldFurnished); ok {
		o.Furnished = ParseTriState(v)
	}
	if v, ok := rf.Get(scrape.FieldElevator); ok {
		o.Elevator = ParseTriState(v)
	}
	if v, ok := rf.Get(scrape.FieldPets); ok {
		o.Pets = ParseTriState(v)
	}
	if v, ok := rf.Get(scrape.FieldNegotiable); ok {
		o.Negotiable = ParseTriState(v)
	}

	if v, ok := rf.Get(scrape.FieldBuildingType); ok {
		o.BuildingType = ClassifyBuilding(v)
	}
	if v, ok := rf.Get(scrape.FieldParking); ok {
		o.ParkingType = ClassifyParking(v)
	}
	if v, ok := rf.Get(scrape.FieldOwnerType); ok {
		o.OwnerType = ClassifyOwner(v)
	} else if rf.Seller.IsAgency {
		o.OwnerType = OwnerAgency
	}

	if v, ok := rf.Get(scrape.FieldPublishedAt); ok {
		if ts, parsed := scrape.ParsePublishedAt(v, now); parsed {
			o.SourceCreatedAt = ts
		}
	}
	if o.SourceCreatedAt.IsZero() {
		o.SourceCreatedAt = now.UTC()
	}

	return o
}

// splitStreet separates "ul. Puławska 12" into street name and house number.
func splitStreet(text string) (street, number string) {
	street = strings.TrimSpace(text)
	fields := strings.Fields(street)
	if len(fields) < 2 {
		return street, ""
	}

	last := fields[len(fields)-1]
	if last[0] >= '0' && last[0] <= '9' {
		street = strings.Join(fields[:len(fields)-1], " ")
		number = last
	}
	return street, number
}
