package listing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
)

// ErrNotFound is returned by Get for unknown or stale apartments.
var ErrNotFound = errors.New("listing: apartment not found")

// Page is one page of search results.
type Page struct {
	Items   []model.Apartment `json:"items"`
	Total   int64             `json:"total"`
	Page    int               `json:"page"`
	PerPage int               `json:"per_page"`
	Pages   int64             `json:"pages"`
}

// Store runs listing queries against catalog.apartments.
type Store struct {
	pool db.Pool
}

// NewStore creates a Store.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

const apartmentColumns = `id, crm_id, COALESCE(building_id, ''), COALESCE(block_id, ''),
	room, floor, floors, COALESCE(number, ''), wc_count,
	area_total, area_given, area_kitchen, area_balconies, area_living, COALESCE(area_rooms, ''),
	price, price_meter, COALESCE(finishing_id, ''), COALESCE(plan_url, ''),
	COALESCE(block_name, ''), COALESCE(block_district_id, ''), COALESCE(block_district_name, ''),
	COALESCE(block_builder_id, ''), COALESCE(block_builder_name, ''),
	block_lat, block_lng, block_is_city, building_deadline,
	is_deleted, last_seen_at, updated_at`

// Search returns the page of apartments matching f and the total count.
func (s *Store) Search(ctx context.Context, f Filter) (*Page, error) {
	where := Build(f)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM catalog.apartments`+where.SQL(), where.Args()...).Scan(&total); err != nil {
		return nil, eris.Wrap(err, "listing: count")
	}

	page := &Page{Items: []model.Apartment{}, Total: total, Page: f.Page, PerPage: f.PerPage}
	if f.PerPage > 0 {
		page.Pages = (total + int64(f.PerPage) - 1) / int64(f.PerPage)
	}
	if total == 0 || int64(f.Offset()) >= total {
		return page, nil
	}

	n := where.Next()
	sql := `SELECT ` + apartmentColumns + ` FROM catalog.apartments` + where.SQL() +
		` ORDER BY ` + f.OrderBy() +
		` LIMIT $` + strconv.Itoa(n) + ` OFFSET $` + strconv.Itoa(n+1)
	args := append(where.Args(), f.PerPage, f.Offset())

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "listing: search")
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Apartment, error) {
		return scanApartment(row)
	})
	if err != nil {
		return nil, eris.Wrap(err, "listing: scan")
	}
	page.Items = items
	return page, nil
}

// Get loads one apartment. Stale apartments are not found unless
// includeDeleted is set.
func (s *Store) Get(ctx context.Context, id string, includeDeleted bool) (*model.Apartment, error) {
	where := &Where{}
	where.Add("id = ?", id)
	if !includeDeleted {
		Active()(where)
	}

	a, err := scanApartment(s.pool.QueryRow(ctx,
		`SELECT `+apartmentColumns+` FROM catalog.apartments`+where.SQL(), where.Args()...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "listing: get %s", id)
	}
	return &a, nil
}

func scanApartment(row pgx.Row) (model.Apartment, error) {
	var a model.Apartment
	var crmID, room, floor, floors, wcCount *int64
	var deadline *time.Time
	err := row.Scan(
		&a.ID, &crmID, &a.BuildingID, &a.BlockID,
		&room, &floor, &floors, &a.Number, &wcCount,
		&a.AreaTotal, &a.AreaGiven, &a.AreaKitchen, &a.AreaBalconies, &a.AreaLiving, &a.AreaRooms,
		&a.Price, &a.PriceMeter, &a.FinishingID, &a.PlanURL,
		&a.BlockName, &a.BlockDistrictID, &a.BlockDistrictName,
		&a.BlockBuilderID, &a.BlockBuilderName,
		&a.BlockLat, &a.BlockLng, &a.BlockIsCity, &deadline,
		&a.IsDeleted, &a.LastSeenAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.CRMID = nullInt(crmID)
	a.Room = nullInt(room)
	a.Floor = nullInt(floor)
	a.Floors = nullInt(floors)
	a.WCCount = nullInt(wcCount)
	if deadline != nil {
		a.BuildingDeadline = model.NewDate(deadline.Date())
	}
	return a, nil
}

func nullInt(v *int64) model.NullInt {
	if v == nil {
		return model.NullInt{}
	}
	return model.NewNullInt(*v)
}
