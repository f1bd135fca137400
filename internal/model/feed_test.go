package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayload_Object(t *testing.T) {
	doc := `{
	  "regions": [{"_id": "r1", "crm_id": 10, "name": "Central"}],
	  "builders": [{"_id": "b1", "name": "Stroy", "logo": "https://cdn/x.png"}],
	  "rooms": [{"_id": "5a0", "crm_id": 0, "name": "Studio"}],
	  "blocks": [{"_id": "blk1", "name": "North Park", "district": "r1", "builder": "b1",
	              "lat": "59.9386300", "lng": 30.31413, "is_city": true, "deadline": "2025-12-31",
	              "subway": [{"subway_id": "s1", "distance_time": 7, "distance_type": "foot"}]}],
	  "buildings": [{"_id": "bld1", "block_id": "blk1", "floors": "17", "deadline": "2025-12-31T00:00:00Z"}],
	  "apartments": [{"_id": "apt1", "building_id": "bld1", "block_id": "blk1", "room": 2,
	                  "price": 5000000, "area_total": "54,30", "number": 101}],
	  "unrelated": {"x": 1}
	}`

	p, err := DecodePayload([]byte(doc), "https://crm.example.com/feed.json", Hints{})
	require.NoError(t, err)

	assert.True(t, p.Has(CollApartments))
	assert.False(t, p.Has(CollSubways))
	assert.Equal(t, 1, p.Len(CollRegions))
	assert.Empty(t, p.Invalid)

	assert.Equal(t, "r1", p.Regions[0].ExternalID())
	assert.Equal(t, NewNullInt(10), p.Regions[0].CRMID)
	assert.Equal(t, NewNullInt(0), p.Rooms[0].CRMID)

	blk := p.Blocks[0]
	assert.Equal(t, "r1", blk.DistrictID.String())
	assert.True(t, blk.IsCity)
	assert.Equal(t, "59.93863", blk.Lat.Coord().Decimal.String())
	assert.Equal(t, NewDate(2025, time.December, 31), blk.Deadline)
	require.Len(t, blk.Subways, 1)
	assert.Equal(t, NewNullInt(7), blk.Subways[0].DistanceTime)

	assert.Equal(t, NewNullInt(17), p.Buildings[0].Floors)
	assert.Equal(t, NewDate(2025, time.December, 31), p.Buildings[0].Deadline)

	apt := p.Apartments[0]
	assert.Equal(t, "apt1", apt.ExternalID())
	assert.Equal(t, "101", apt.Number.String())
	assert.True(t, decimal.RequireFromString("5000000").Equal(apt.Price.Money().Decimal))
	assert.Equal(t, "54.3", apt.AreaTotal.Money().Decimal.String())
}

func TestDecodePayload_HintsAndAliases(t *testing.T) {
	doc := `{"complexes": [{"id": "c1", "name": "A"}], "flats": []}`

	p, err := DecodePayload([]byte(doc), "", Hints{Projects: "complexes"})
	require.NoError(t, err)
	require.Len(t, p.Blocks, 1)
	assert.Equal(t, "c1", p.Blocks[0].ExternalID())
	assert.True(t, p.Has(CollApartments))
	assert.Equal(t, 0, p.Len(CollApartments))
}

func TestDecodePayload_RootArrayFromURL(t *testing.T) {
	doc := `[{"_id": "a1", "building_id": "b1", "block_id": "k1"}]`

	p, err := DecodePayload([]byte(doc), "https://crm.example.com/export/apartments.json?token=x", Hints{})
	require.NoError(t, err)
	assert.Len(t, p.Apartments, 1)
	assert.True(t, p.Has(CollApartments))

	_, err = DecodePayload([]byte(doc), "https://crm.example.com/export/data.json", Hints{})
	assert.ErrorContains(t, err, "cannot infer collection")
}

func TestDecodePayload_InvalidRecordIsolated(t *testing.T) {
	doc := `{"apartments": [
	  {"_id": "good", "price": "100.50"},
	  {"_id": "bad", "price": "call us"},
	  {"_id": "good2", "floor": "3"}
	]}`

	p, err := DecodePayload([]byte(doc), "", Hints{})
	require.NoError(t, err)
	assert.Len(t, p.Apartments, 2)
	require.Len(t, p.Invalid, 1)
	assert.Equal(t, "bad", p.Invalid[0].ExternalID)
	assert.Equal(t, 1, p.Invalid[0].Index)
	assert.Equal(t, CollApartments, p.Invalid[0].Collection)

	i, ok := p.Apartments[1].FeedIndex()
	assert.True(t, ok)
	assert.Equal(t, 2, i, "positions survive the dropped record")

	_, ok = ApartmentRecord{}.FeedIndex()
	assert.False(t, ok)
}

func TestDecodePayload_Errors(t *testing.T) {
	_, err := DecodePayload([]byte("  "), "", Hints{})
	assert.ErrorContains(t, err, "empty payload")

	_, err = DecodePayload([]byte(`"text"`), "", Hints{})
	assert.ErrorContains(t, err, "object or array")

	_, err = DecodePayload([]byte(`{"apartments": {"a": 1}}`), "", Hints{})
	assert.ErrorContains(t, err, "apartments must be an array")

	p, err := DecodePayload([]byte(`{"apartments": null}`), "", Hints{})
	require.NoError(t, err)
	assert.True(t, p.Has(CollApartments))
}

func TestSourceHash(t *testing.T) {
	h := SourceHash("https://crm.example.com/feed.json")
	assert.Len(t, h, 40)
	assert.Equal(t, h, SourceHash("https://crm.example.com/feed.json"))
	assert.NotEqual(t, h, SourceHash("https://crm.example.com/other.json"))
}

func TestNullInt(t *testing.T) {
	tests := []struct {
		in   string
		want NullInt
		err  bool
	}{
		{`5`, NewNullInt(5), false},
		{`"12"`, NewNullInt(12), false},
		{`""`, NullInt{}, false},
		{`null`, NullInt{}, false},
		{`3.0`, NewNullInt(3), false},
		{`3.5`, NullInt{}, true},
		{`"x"`, NullInt{}, true},
	}
	for _, tt := range tests {
		var n NullInt
		err := json.Unmarshal([]byte(tt.in), &n)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, n, tt.in)
	}

	assert.Nil(t, NullInt{}.Arg())
	assert.Equal(t, int64(4), NewNullInt(4).Arg())
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", d.String())

	d, err = ParseDate("2024-03-01T21:30:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01", d.String())

	d, err = ParseDate("")
	require.NoError(t, err)
	assert.False(t, d.Valid)
	assert.Nil(t, d.Arg())

	_, err = ParseDate("Q4 2025")
	assert.Error(t, err)

	out, err := json.Marshal(NewDate(2025, time.June, 30))
	require.NoError(t, err)
	assert.Equal(t, `"2025-06-30"`, string(out))
}

func TestAmount(t *testing.T) {
	a, err := ParseAmount("1 250 000,555")
	require.NoError(t, err)
	assert.Equal(t, "1250000.56", a.Money().Decimal.String())

	a, err = ParseAmount("")
	require.NoError(t, err)
	assert.False(t, a.Valid)
	assert.False(t, a.Money().Valid)

	_, err = ParseAmount("n/a")
	assert.Error(t, err)

	var j Amount
	require.NoError(t, json.Unmarshal([]byte(`0.1`), &j))
	sum := j.Decimal.Add(NewAmount("0.2").Decimal)
	assert.True(t, sum.Equal(decimal.RequireFromString("0.3")), "no float drift")

	assert.Equal(t, "30.3141593", NewAmount("30.31415926").Coord().Decimal.String())
}

func TestText(t *testing.T) {
	var x Text
	require.NoError(t, json.Unmarshal([]byte(`"  abc "`), &x))
	assert.Equal(t, Text("abc"), x)
	require.NoError(t, json.Unmarshal([]byte(`42`), &x))
	assert.Equal(t, Text("42"), x)
	require.NoError(t, json.Unmarshal([]byte(`null`), &x))
	assert.Equal(t, Text(""), x)
	assert.Error(t, json.Unmarshal([]byte(`{}`), &x))
}

func TestText_NormalizesToNFC(t *testing.T) {
	var x Text
	// "й" sent as и + combining breve.
	require.NoError(t, json.Unmarshal([]byte("\"\u0438\u0306\""), &x))
	assert.Equal(t, Text("\u0439"), x)
}

func TestEncodePoint(t *testing.T) {
	b, err := EncodePoint(NewAmount("59.93863").Coord(), NewAmount("30.31413").Coord())
	require.NoError(t, err)
	assert.NotEmpty(t, b)

	b, err = EncodePoint(decimal.NullDecimal{}, NewAmount("30.3").Coord())
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = EncodePoint(NewAmount("123").Coord(), NewAmount("30.3").Coord())
	require.NoError(t, err)
	assert.Nil(t, b, "latitude out of range")
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, CollBlocks, CollectionName("Projects", Hints{}))
	assert.Equal(t, CollBuildingTypes, CollectionName("buildingtypes", Hints{}))
	assert.Equal(t, CollApartments, CollectionName("units", Hints{Apartments: "units"}))
	assert.Equal(t, "", CollectionName("meta", Hints{}))
}
