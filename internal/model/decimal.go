package model

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// Fraction digits kept for stored values.
const (
	MoneyPlaces int32 = 2
	CoordPlaces int32 = 7
)

// Amount is an optional fixed-point value from the feed. It accepts JSON
// numbers, numeric strings (a decimal comma and spaces are tolerated), ""
// and null, and never goes through float64.
type Amount struct {
	decimal.NullDecimal
}

// NewAmount parses s into a valid Amount. It panics on bad input and is
// meant for literals in tests and fixtures.
func NewAmount(s string) Amount {
	return Amount{decimal.NewNullDecimal(decimal.RequireFromString(s))}
}

// ParseAmount parses s; an empty string is a null amount.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\u00a0", "")
	s = strings.Replace(s, ",", ".", 1)
	if s == "" {
		return Amount{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, eris.Wrapf(err, "model: %q is not a decimal", s)
	}
	return Amount{decimal.NewNullDecimal(d)}, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, jsonNull) {
		*a = Amount{}
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Money rounds to two fraction digits.
func (a Amount) Money() decimal.NullDecimal {
	return a.round(MoneyPlaces)
}

// Coord rounds to seven fraction digits.
func (a Amount) Coord() decimal.NullDecimal {
	return a.round(CoordPlaces)
}

func (a Amount) round(places int32) decimal.NullDecimal {
	if !a.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(a.Decimal.Round(places))
}
