package offer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  float64
		ok    bool
	}{
		{name: "plain", input: "2400", want: 2400, ok: true},
		{name: "space_grouped", input: "2 400 zł", want: 2400, ok: true},
		{name: "nbsp_grouped", input: "2 400 zł", want: 2400, ok: true},
		{name: "comma_decimal", input: "48,5 m²", want: 48.5, ok: true},
		{name: "dot_thousands", input: "2.400 zł", want: 2400, ok: true},
		{name: "dot_and_comma", input: "2.400,50", want: 2400.5, ok: true},
		{name: "dot_decimal", input: "48.5", want: 48.5, ok: true},
		{name: "rounds_to_cents", input: "1,999", want: 2.0, ok: true},
		{name: "no_digits", input: "zapytaj o cenę", ok: false},
		{name: "empty", input: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDecimal(tt.input)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.InDelta(t, tt.want, got, 0.001)
			}
		})
	}
}

func TestParseTriState(t *testing.T) {
	yes := ParseTriState("Tak")
	require.NotNil(t, yes)
	assert.True(t, *yes)

	no := ParseTriState(" nie ")
	require.NotNil(t, no)
	assert.False(t, *no)

	assert.Nil(t, ParseTriState("do uzgodnienia"))
	assert.Nil(t, ParseTriState(""))
}

func TestClassifyBuilding(t *testing.T) {
	tests := []struct {
		input string
		want  BuildingType
	}{
		{"Blok", BuildingBlock},
		{"kamienica z 1920", BuildingTenement},
		{"Apartamentowiec", BuildingApartment},
		{"Dom wolnostojący", BuildingDetachedHouse},
		{"loft przemysłowy", BuildingLoft},
		{"pozostałe", BuildingOther},
		{"", BuildingOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyBuilding(tt.input), tt.input)
	}
}

func TestClassifyParking(t *testing.T) {
	assert.Equal(t, ParkingGarage, ClassifyParking("garaż podziemny"))
	assert.Equal(t, ParkingGuarded, ClassifyParking("parking strzeżony"))
	assert.Equal(t, ParkingStreet, ClassifyParking("na ulicy"))
	assert.Equal(t, ParkingNone, ClassifyParking("brak"))
	assert.Equal(t, ParkingOther, ClassifyParking("zapytaj"))
}

func TestClassifyOwner(t *testing.T) {
	assert.Equal(t, OwnerPrivate, ClassifyOwner("Osoby prywatnej"))
	assert.Equal(t, OwnerAgency, ClassifyOwner("Biuro nieruchomości"))
	assert.Equal(t, OwnerAgency, ClassifyOwner("firmowe"))
	assert.Equal(t, OwnerOther, ClassifyOwner("nieznane"))
}

func TestParseRooms(t *testing.T) {
	tests := []struct {
		input string
		want  int
		ok    bool
	}{
		{"2 pokoje", 2, true},
		{"Kawalerka", 1, true},
		{"4 i więcej", 4, true},
		{"4+", 4, true},
		{"5 pokoi", 4, true}, // capped at the top bucket
		{"brak danych", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseRooms(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.input)
		}
	}
}

func TestParseFloor(t *testing.T) {
	tests := []struct {
		input string
		want  int
		ok    bool
	}{
		{"3", 3, true},
		{"4/10", 4, true},
		{"Parter", 0, true},
		{"parter/4", 0, true},
		{"Suterena", FloorBasement, true},
		{"Poddasze", FloorAttic, true},
		{"Powyżej 10", FloorAboveTen, true},
		{"12", FloorAboveTen, true},
		{"-1", FloorBasement, true},
		{"", 0, false},
		{"winda", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseFloor(tt.input)
		assert.Equal(t, tt.ok, ok, tt.input)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.input)
		}
	}
}

func TestFootageFrom(t *testing.T) {
	v, ok := FootageFrom("48 m²", "")
	require.True(t, ok)
	assert.InDelta(t, 48.0, v, 0.001)

	// Falls back to scanning the title.
	v, ok = FootageFrom("", "Mieszkanie 52,5 m2 Mokotów")
	require.True(t, ok)
	assert.InDelta(t, 52.5, v, 0.001)

	_, ok = FootageFrom("", "Mieszkanie na Mokotowie")
	assert.False(t, ok)
}
