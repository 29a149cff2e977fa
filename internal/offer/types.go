// Package offer defines the canonical listing record and the normalisation
// that turns raw, locale-specific field maps into it. Everything downstream
// of the mappers is source-agnostic.
package offer

import (
	"time"
)

// Source identifies which marketplace a listing came from.
type Source string

const (
	SourceOlx    Source = "olx"
	SourceOtodom Source = "otodom"
)

// OwnerType classifies who placed the listing.
type OwnerType string

const (
	OwnerPrivate OwnerType = "private"
	OwnerAgency  OwnerType = "agency"
	OwnerOther   OwnerType = "other"
)

// BuildingType classifies the building the flat is in.
type BuildingType string

const (
	BuildingBlock         BuildingType = "block"
	BuildingTenement      BuildingType = "tenement"
	BuildingApartment     BuildingType = "apartment"
	BuildingDetachedHouse BuildingType = "house"
	BuildingLoft          BuildingType = "loft"
	BuildingOther         BuildingType = "other"
)

// ParkingType classifies the parking arrangement.
type ParkingType string

const (
	ParkingGarage  ParkingType = "garage"
	ParkingGuarded ParkingType = "guarded"
	ParkingStreet  ParkingType = "street"
	ParkingNone    ParkingType = "none"
	ParkingOther   ParkingType = "other"
)

// Floor sentinels. Floors above ten collapse into one bucket, basements and
// attics get values outside the normal range.
const (
	FloorAboveTen = 11
	FloorBasement = -1
	FloorAttic    = 99
)

// Offer is the canonical listing record. The URL is the identity key:
// re-ingesting the same URL updates the stored row rather than creating a
// duplicate. Optional fields are pointers; nil means "not extracted",
// which the matching engine treats differently from a zero value.
type Offer struct {
	ID     int64
	URL    string
	Source Source

	Title       string
	Description string
	Price       float64
	// RentExtra is the administrative rent charged on top of the base
	// price, when the source lists it separately.
	RentExtra *float64
	City      string
	District  string

	Street       *string
	StreetNumber *string

	Footage *float64
	Rooms   *int
	Floor   *int

	Furnished  *bool
	Elevator   *bool
	Pets       *bool
	Negotiable *bool

	OwnerType    OwnerType
	BuildingType BuildingType
	ParkingType  ParkingType

	Latitude  *float64
	Longitude *float64
	// GeoAccuracy is the resolution tier the geocoder reported for the
	// coordinates, empty when not geocoded.
	GeoAccuracy string

	SellerName     string
	SellerMemberID string

	Views       int
	ViewsMethod string

	Images []string

	IsNew     bool
	Available bool

	// SourceCreatedAt is the source-reported publication instant, falling
	// back to ingestion time when the page didn't yield one.
	SourceCreatedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
