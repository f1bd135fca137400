package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

var jsonNull = []byte("null")

// Text is a string field that the feed sometimes sends as a number.
// Strings are trimmed and NFC-normalized.
type Text string

// UnmarshalJSON accepts a string, a number or null.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, jsonNull) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(norm.NFC.String(strings.TrimSpace(s)))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return eris.Wrapf(err, "model: text from %s", b)
	}
	*t = Text(n.String())
	return nil
}

// String returns the value as a plain string.
func (t Text) String() string { return string(t) }

// NullInt is an optional integer that may arrive as a number, a numeric
// string, an empty string or null.
type NullInt struct {
	Int   int64
	Valid bool
}

// NewNullInt returns a valid NullInt.
func NewNullInt(v int64) NullInt { return NullInt{Int: v, Valid: true} }

// UnmarshalJSON implements json.Unmarshaler.
func (n *NullInt) UnmarshalJSON(b []byte) error {
	*n = NullInt{}
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, jsonNull) {
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// whole floats such as 5.0 are accepted
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return eris.Errorf("model: %q is not an integer", s)
		}
		v = int64(f)
	}
	*n = NullInt{Int: v, Valid: true}
	return nil
}

// Arg returns the integer or nil, for use as a query argument.
func (n NullInt) Arg() any {
	if !n.Valid {
		return nil
	}
	return n.Int
}

// MarshalJSON implements json.Marshaler.
func (n NullInt) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return jsonNull, nil
	}
	return []byte(strconv.FormatInt(n.Int, 10)), nil
}

// Date is a calendar date. The feed sends either "2006-01-02" or a full
// RFC 3339 timestamp; only the date part is kept.
type Date struct {
	Time  time.Time
	Valid bool
}

const dateLayout = "2006-01-02"

// NewDate returns a valid Date for y-m-d.
func NewDate(y int, m time.Month, d int) Date {
	return Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

// ParseDate parses a date-only or RFC 3339 value. Empty input is a null date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return Date{Time: t, Valid: true}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Date{}, eris.Errorf("model: %q is not a date", s)
	}
	y, m, d := t.Date()
	return NewDate(y, m, d), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), jsonNull) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return eris.Wrap(err, "model: date must be a string")
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if !d.Valid {
		return jsonNull, nil
	}
	return json.Marshal(d.Time.Format(dateLayout))
}

// Arg returns the date or nil, for use as a query argument.
func (d Date) Arg() any {
	if !d.Valid {
		return nil
	}
	return d.Time
}

// String formats the date as YYYY-MM-DD, or "" when null.
func (d Date) String() string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(dateLayout)
}
