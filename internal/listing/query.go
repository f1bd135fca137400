package listing

import (
	"strconv"
	"strings"
)

// Where accumulates AND-ed conditions with positional arguments. Conditions
// use "?" for each argument; SQL renumbers them as $1..$n.
type Where struct {
	conds []string
	args  []any
}

// Add appends a condition and its arguments.
func (w *Where) Add(cond string, args ...any) {
	for _, a := range args {
		cond = strings.Replace(cond, "?", "$"+strconv.Itoa(len(w.args)+1), 1)
		w.args = append(w.args, a)
	}
	w.conds = append(w.conds, cond)
}

// SQL returns the WHERE clause (with leading space) or "".
func (w *Where) SQL() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// Args returns the accumulated arguments.
func (w *Where) Args() []any { return w.args }

// Next is the placeholder number of the next argument.
func (w *Where) Next() int { return len(w.args) + 1 }

// Scope is a reusable predicate applied to apartment queries.
type Scope func(w *Where)

// Active hides apartments marked stale. Every read goes through it unless
// the caller opts in to deleted rows.
func Active() Scope {
	return func(w *Where) { w.Add("is_deleted = false") }
}

// Scopes returns the scopes implied by f.
func (f Filter) Scopes() []Scope {
	if f.IncludeDeleted {
		return nil
	}
	return []Scope{Active()}
}

// Build turns f into a WHERE clause over catalog.apartments.
func Build(f Filter) *Where {
	w := &Where{}
	for _, s := range f.Scopes() {
		s(w)
	}

	if f.PriceMin.Valid {
		w.Add("price >= ?", f.PriceMin.Decimal)
	}
	if f.PriceMax.Valid {
		w.Add("price <= ?", f.PriceMax.Decimal)
	}
	if f.AreaMin.Valid {
		w.Add("area_total >= ?", f.AreaMin.Decimal)
	}
	if f.AreaMax.Valid {
		w.Add("area_total <= ?", f.AreaMax.Decimal)
	}
	if f.FloorMin != nil {
		w.Add("floor >= ?", *f.FloorMin)
	}
	if f.FloorMax != nil {
		w.Add("floor <= ?", *f.FloorMax)
	}
	if len(f.Rooms) > 0 {
		w.Add("room = ANY(?)", f.Rooms)
	}
	if len(f.District) > 0 {
		w.Add("block_district_id = ANY(?)", f.District)
	}
	if len(f.Builder) > 0 {
		w.Add("block_builder_id = ANY(?)", f.Builder)
	}
	if len(f.Finishing) > 0 {
		w.Add("finishing_id = ANY(?)", f.Finishing)
	}
	if f.DeadlineFrom.Valid {
		w.Add("building_deadline >= ?", f.DeadlineFrom.Time)
	}
	if f.DeadlineTo.Valid {
		w.Add("building_deadline <= ?", f.DeadlineTo.Time)
	}
	if f.IsCity != nil {
		w.Add("block_is_city = ?", *f.IsCity)
	}
	if f.Q != "" {
		w.Add("block_name ILIKE ?", "%"+escapeLike(f.Q)+"%")
	}
	if f.Near != nil {
		w.Add("ST_DWithin(geo_point::geography, ST_SetSRID(ST_MakePoint(?::float8, ?::float8), 4326)::geography, ?)",
			f.Near.Lng.String(), f.Near.Lat.String(), f.Near.Radius)
	}
	return w
}

// OrderBy returns the ORDER BY expression for f.Sort.
func (f Filter) OrderBy() string {
	if o, ok := sortColumns[f.Sort]; ok {
		return o
	}
	return sortColumns[DefaultSort]
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
