// Package listing implements the read side of the apartment catalog:
// filter parsing and validation, query building on catalog.apartments and
// the paged search used by the HTTP API.
package listing

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/listing-sync/internal/model"
)

// Paging limits.
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
	MaxRadius      = 50000
	DefaultSort    = "updated"
)

// sortColumns maps the accepted sort keys to ORDER BY expressions. A
// leading "-" means descending. The id tie-breaker keeps pages stable.
var sortColumns = map[string]string{
	"price":     "price ASC NULLS LAST, id ASC",
	"-price":    "price DESC NULLS LAST, id ASC",
	"area":      "area_total ASC NULLS LAST, id ASC",
	"-area":     "area_total DESC NULLS LAST, id ASC",
	"floor":     "floor ASC NULLS LAST, id ASC",
	"-floor":    "floor DESC NULLS LAST, id ASC",
	"deadline":  "building_deadline ASC NULLS LAST, id ASC",
	"-deadline": "building_deadline DESC NULLS LAST, id ASC",
	"updated":   "updated_at DESC, id ASC",
}

// SortKeys returns the accepted sort values in a stable order.
func SortKeys() []string {
	keys := make([]string, 0, len(sortColumns))
	for k := range sortColumns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Near restricts results to a radius around a point.
type Near struct {
	Lat    decimal.Decimal
	Lng    decimal.Decimal
	Radius int // meters
}

// Filter is a validated apartment search request.
type Filter struct {
	PriceMin     decimal.NullDecimal
	PriceMax     decimal.NullDecimal
	AreaMin      decimal.NullDecimal
	AreaMax      decimal.NullDecimal
	FloorMin     *int
	FloorMax     *int
	Rooms        []int
	District     []string
	Builder      []string
	Finishing    []string
	DeadlineFrom model.Date
	DeadlineTo   model.Date
	IsCity       *bool
	Q            string
	Near         *Near
	Sort         string
	Page         int
	PerPage      int

	// IncludeDeleted lifts the default scope that hides stale listings.
	IncludeDeleted bool
}

// Offset is the row offset of the requested page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// ValidationErrors maps a query parameter to what is wrong with it.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for k := range v {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, k := range fields {
		parts = append(parts, k+": "+v[k])
	}
	return "listing: invalid filter: " + strings.Join(parts, "; ")
}

// ParseFilter reads a Filter from query parameters. Every bad parameter is
// reported; the returned error is a ValidationErrors when non-nil.
func ParseFilter(q url.Values) (Filter, error) {
	p := parser{q: q, errs: ValidationErrors{}}
	f := Filter{
		PriceMin:     p.decimal("price_min"),
		PriceMax:     p.decimal("price_max"),
		AreaMin:      p.decimal("area_min"),
		AreaMax:      p.decimal("area_max"),
		FloorMin:     p.intPtr("floor_min"),
		FloorMax:     p.intPtr("floor_max"),
		Rooms:        p.ints("rooms"),
		District:     p.list("district"),
		Builder:      p.list("builder"),
		Finishing:    p.list("finishing"),
		DeadlineFrom: p.date("deadline_from"),
		DeadlineTo:   p.date("deadline_to"),
		IsCity:       p.boolPtr("is_city"),
		Q:            norm.NFC.String(strings.TrimSpace(q.Get("q"))),
		Sort:         DefaultSort,
		Page:         1,
		PerPage:      DefaultPerPage,
	}
	if b := p.boolPtr("include_deleted"); b != nil {
		f.IncludeDeleted = *b
	}

	p.rangeCheck("price", f.PriceMin, f.PriceMax)
	p.rangeCheck("area", f.AreaMin, f.AreaMax)
	if f.FloorMin != nil && f.FloorMax != nil && *f.FloorMin > *f.FloorMax {
		p.errs["floor_min"] = "must not exceed floor_max"
	}
	if f.DeadlineFrom.Valid && f.DeadlineTo.Valid && f.DeadlineFrom.Time.After(f.DeadlineTo.Time) {
		p.errs["deadline_from"] = "must not be after deadline_to"
	}
	for _, r := range f.Rooms {
		if r < 0 {
			p.errs["rooms"] = "must be non-negative integers"
			break
		}
	}

	if s := strings.TrimSpace(q.Get("sort")); s != "" {
		if _, ok := sortColumns[s]; !ok {
			p.errs["sort"] = "must be one of " + strings.Join(SortKeys(), ", ")
		} else {
			f.Sort = s
		}
	}
	if v := p.intPtr("page"); v != nil {
		if *v < 1 {
			p.errs["page"] = "must be at least 1"
		} else {
			f.Page = *v
		}
	}
	if v := p.intPtr("per_page"); v != nil {
		if *v < 1 || *v > MaxPerPage {
			p.errs["per_page"] = fmt.Sprintf("must be between 1 and %d", MaxPerPage)
		} else {
			f.PerPage = *v
		}
	}

	f.Near = p.near()

	if len(p.errs) > 0 {
		return f, p.errs
	}
	return f, nil
}

type parser struct {
	q    url.Values
	errs ValidationErrors
}

func (p *parser) raw(key string) (string, bool) {
	v := strings.TrimSpace(p.q.Get(key))
	return v, v != ""
}

func (p *parser) decimal(key string) decimal.NullDecimal {
	v, ok := p.raw(key)
	if !ok {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.errs[key] = "must be a number"
		return decimal.NullDecimal{}
	}
	if d.IsNegative() {
		p.errs[key] = "must not be negative"
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (p *parser) intPtr(key string) *int {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs[key] = "must be an integer"
		return nil
	}
	return &n
}

func (p *parser) boolPtr(key string) *bool {
	v, ok := p.raw(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs[key] = "must be true or false"
		return nil
	}
	return &b
}

func (p *parser) date(key string) model.Date {
	v, ok := p.raw(key)
	if !ok {
		return model.Date{}
	}
	d, err := model.ParseDate(v)
	if err != nil {
		p.errs[key] = "must be a date (YYYY-MM-DD)"
		return model.Date{}
	}
	return d
}

// list accepts repeated parameters and comma-separated values.
func (p *parser) list(key string) []string {
	var out []string
	for _, v := range p.q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (p *parser) ints(key string) []int {
	var out []int
	for _, s := range p.list(key) {
		n, err := strconv.Atoi(s)
		if err != nil {
			p.errs[key] = "must be integers"
			return nil
		}
		out = append(out, n)
	}
	return out
}

func (p *parser) rangeCheck(name string, lo, hi decimal.NullDecimal) {
	if lo.Valid && hi.Valid && lo.Decimal.GreaterThan(hi.Decimal) {
		p.errs[name+"_min"] = "must not exceed " + name + "_max"
	}
}

func (p *parser) near() *Near {
	lat, hasLat := p.raw("lat")
	lng, hasLng := p.raw("lng")
	radius, hasRadius := p.raw("radius")
	if !hasLat && !hasLng && !hasRadius {
		return nil
	}
	if !hasLat || !hasLng || !hasRadius {
		p.errs["radius"] = "lat, lng and radius must be given together"
		return nil
	}

	var n Near
	var err error
	if n.Lat, err = decimal.NewFromString(lat); err != nil || n.Lat.Abs().GreaterThan(decimal.NewFromInt(90)) {
		p.errs["lat"] = "must be a latitude between -90 and 90"
	}
	if n.Lng, err = decimal.NewFromString(lng); err != nil || n.Lng.Abs().GreaterThan(decimal.NewFromInt(180)) {
		p.errs["lng"] = "must be a longitude between -180 and 180"
	}
	if n.Radius, err = strconv.Atoi(radius); err != nil || n.Radius <= 0 || n.Radius > MaxRadius {
		p.errs["radius"] = fmt.Sprintf("must be meters between 1 and %d", MaxRadius)
	}
	if p.errs["lat"] != "" || p.errs["lng"] != "" || p.errs["radius"] != "" {
		return nil
	}
	return &n
}
