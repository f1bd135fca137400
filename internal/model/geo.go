package model

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// SRID of every stored point.
const SRID = 4326

// EncodePoint returns EWKB for a lat/lng point, or nil when either
// coordinate is missing or out of range.
func EncodePoint(lat, lng decimal.NullDecimal) ([]byte, error) {
	if !lat.Valid || !lng.Valid {
		return nil, nil
	}
	y, _ := lat.Decimal.Float64()
	x, _ := lng.Decimal.Float64()
	if y < -90 || y > 90 || x < -180 || x > 180 {
		return nil, nil
	}

	p := geom.NewPointFlat(geom.XY, []float64{x, y}).SetSRID(SRID)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "model: encode point")
	}
	return data, nil
}
