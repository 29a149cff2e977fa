// Package scrape turns rendered marketplace pages into raw field maps.
// Extraction never fails hard: a field that cannot be located is simply
// absent from the result, and every DOM lookup tolerates missing elements.
package scrape

// Field keys shared by both source extractors. Mappers in the offer package
// translate these into the canonical record.
const (
	FieldTitle        = "title"
	FieldPrice        = "price"
	FieldCity         = "city"
	FieldDistrict     = "district"
	FieldStreet       = "street"
	FieldFootage      = "footage"
	FieldRooms        = "rooms"
	FieldFloor        = "floor"
	FieldFurnished    = "furnished"
	FieldElevator     = "elevator"
	FieldPets         = "pets"
	FieldNegotiable   = "negotiable"
	FieldBuildingType = "building_type"
	FieldParking      = "parking"
	FieldOwnerType    = "owner_type"
	FieldDescription  = "description"
	FieldPublishedAt  = "published_at"
	FieldRentExtra    = "rent_extra"
)

// SellerInfo captures whatever the page exposes about the advertiser.
type SellerInfo struct {
	Name     string
	MemberID string
	IsAgency bool
}

// RawFields is the unordered string->string field map produced by a source
// extractor, plus the structured sub-objects that don't fit a flat map.
type RawFields struct {
	Fields map[string]string

	Images      []string
	Views       int
	ViewsMethod string // which strategy produced the count, for diagnostics
	Seller      SellerInfo
}

// NewRawFields returns an empty, ready-to-fill RawFields.
func NewRawFields() RawFields {
	return RawFields{Fields: make(map[string]string)}
}

// Get returns the value for key and whether it was extracted.
func (r RawFields) Get(key string) (string, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Set stores a non-empty value under key. Empty values are dropped so that
// "extracted nothing" and "not extracted" stay indistinguishable downstream.
func (r RawFields) Set(key, value string) {
	if value == "" {
		return
	}
	r.Fields[key] = value
}
