package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/resilience"
)

// PostgresRepository implements Repository on the catalog schema. Each
// upsert is a single statement or a short transaction; nothing spans
// records.
type PostgresRepository struct {
	pool db.Pool
	now  func() time.Time
}

// NewPostgresRepository creates a repository backed by pool.
func NewPostgresRepository(pool db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool, now: time.Now}
}

var _ Repository = (*PostgresRepository)(nil)

// storageErr wraps err with action. Connection-level failures are marked
// Unavailable so the batch stops instead of failing every remaining record.
func storageErr(err error, action string) error {
	wrapped := eris.Wrap(err, action)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 08 connection exception, 53 insufficient resources, 57P operator intervention.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "53") || strings.HasPrefix(pgErr.Code, "57P") {
			return Unavailable(wrapped)
		}
		return wrapped
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return wrapped
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || resilience.IsTransient(err) {
		return Unavailable(wrapped)
	}
	if strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "closed pool") {
		return Unavailable(wrapped)
	}
	return wrapped
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonArg(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: encode json column")
	}
	return string(b), nil
}

var referenceTables = map[string]bool{
	TableRegions:       true,
	TableBuilders:      true,
	TableFinishings:    true,
	TableBuildingTypes: true,
}

// UpsertReference writes one row of a reference table.
func (r *PostgresRepository) UpsertReference(ctx context.Context, table string, row ReferenceRow) (bool, error) {
	if !referenceTables[table] {
		return false, eris.Errorf("reconcile: unknown reference table %q", table)
	}

	args := []any{row.ID, row.CRMID.Arg(), row.Name, r.now().UTC()}
	var sql string
	if table == TableBuilders {
		sql = `INSERT INTO catalog.builders (id, crm_id, name, updated_at, logo_url)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				crm_id = EXCLUDED.crm_id, name = EXCLUDED.name,
				logo_url = EXCLUDED.logo_url, updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`
		args = append(args, nullIfEmpty(row.LogoURL))
	} else {
		sql = fmt.Sprintf(`INSERT INTO catalog.%s (id, crm_id, name, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				crm_id = EXCLUDED.crm_id, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`, table)
	}

	var inserted bool
	if err := r.pool.QueryRow(ctx, sql, args...).Scan(&inserted); err != nil {
		return false, storageErr(err, "reconcile: upsert "+table)
	}
	return inserted, nil
}

// UpsertRoom writes a room class keyed by crm_id.
func (r *PostgresRepository) UpsertRoom(ctx context.Context, row RoomRow) (bool, error) {
	var inserted bool
	err := r.pool.QueryRow(ctx, `INSERT INTO catalog.rooms (crm_id, external_id, name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (crm_id) DO UPDATE SET
			external_id = EXCLUDED.external_id, name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		row.CRMID, nullIfEmpty(row.ExternalID), row.Name, r.now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, storageErr(err, "reconcile: upsert room")
	}
	return inserted, nil
}

// UpsertSubway writes a metro station.
func (r *PostgresRepository) UpsertSubway(ctx context.Context, row SubwayRow) (bool, error) {
	var inserted bool
	err := r.pool.QueryRow(ctx, `INSERT INTO catalog.subways (id, crm_id, name, line_name, line_color, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			crm_id = EXCLUDED.crm_id, name = EXCLUDED.name, line_name = EXCLUDED.line_name,
			line_color = EXCLUDED.line_color, updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		row.ID, row.CRMID.Arg(), row.Name, nullIfEmpty(row.LineName), nullIfEmpty(row.LineColor), r.now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, storageErr(err, "reconcile: upsert subway")
	}
	return inserted, nil
}

// District and builder resolve to NULL when the referenced row is absent.
// min/max price and area are maintained elsewhere and left untouched.
const upsertBlockSQL = `INSERT INTO catalog.blocks (
		id, crm_id, name, description, address,
		district_id, district_name, builder_id, builder_name,
		lat, lng, geo_point, is_city, status, deadline, images, updated_at)
	VALUES ($1, $2, $3, $4, $5,
		(SELECT id FROM catalog.regions WHERE id = $6),
		(SELECT name FROM catalog.regions WHERE id = $6),
		(SELECT id FROM catalog.builders WHERE id = $7),
		(SELECT name FROM catalog.builders WHERE id = $7),
		$8, $9, ST_GeomFromEWKB($10), $11, $12, $13, $14, $15)
	ON CONFLICT (id) DO UPDATE SET
		crm_id = EXCLUDED.crm_id, name = EXCLUDED.name,
		description = EXCLUDED.description, address = EXCLUDED.address,
		district_id = EXCLUDED.district_id, district_name = EXCLUDED.district_name,
		builder_id = EXCLUDED.builder_id, builder_name = EXCLUDED.builder_name,
		lat = EXCLUDED.lat, lng = EXCLUDED.lng, geo_point = EXCLUDED.geo_point,
		is_city = EXCLUDED.is_city, status = EXCLUDED.status, deadline = EXCLUDED.deadline,
		images = EXCLUDED.images, updated_at = EXCLUDED.updated_at
	RETURNING (xmax = 0)`

// Links to stations that do not exist are dropped.
const upsertBlockSubwaySQL = `INSERT INTO catalog.block_subways (block_id, subway_id, distance_time, distance_type)
	SELECT $1::text, s.id, $3::int, $4::text FROM catalog.subways s WHERE s.id = $2
	ON CONFLICT (block_id, subway_id) DO UPDATE SET
		distance_time = EXCLUDED.distance_time, distance_type = EXCLUDED.distance_type`

// UpsertBlock writes a block and replaces its station links in one
// transaction.
func (r *PostgresRepository) UpsertBlock(ctx context.Context, row BlockRow) (bool, error) {
	images, err := jsonArg(row.Images)
	if err != nil {
		return false, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, storageErr(err, "reconcile: begin block tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var inserted bool
	err = tx.QueryRow(ctx, upsertBlockSQL,
		row.ID, row.CRMID.Arg(), row.Name, nullIfEmpty(row.Description), nullIfEmpty(row.Address),
		row.DistrictID, row.BuilderID,
		row.Lat, row.Lng, row.GeoPoint, row.IsCity, nullIfEmpty(row.Status), row.Deadline.Arg(), images,
		r.now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, storageErr(err, "reconcile: upsert block")
	}

	if _, err := tx.Exec(ctx, `DELETE FROM catalog.block_subways WHERE block_id = $1`, row.ID); err != nil {
		return false, storageErr(err, "reconcile: clear block subways")
	}
	for _, s := range row.Subways {
		if _, err := tx.Exec(ctx, upsertBlockSubwaySQL, row.ID, s.SubwayID, s.DistanceTime.Arg(), nullIfEmpty(s.DistanceType)); err != nil {
			return false, storageErr(err, "reconcile: upsert block subway")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, storageErr(err, "reconcile: commit block")
	}
	return inserted, nil
}

const upsertBuildingSQL = `INSERT INTO catalog.buildings (
		id, crm_id, block_id, name, building_type_id, floors, deadline, queue,
		height, status, lat, lng, banks, updated_at)
	VALUES ($1, $2,
		(SELECT id FROM catalog.blocks WHERE id = $3),
		$4,
		(SELECT id FROM catalog.building_types WHERE id = $5),
		$6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (id) DO UPDATE SET
		crm_id = EXCLUDED.crm_id, block_id = EXCLUDED.block_id, name = EXCLUDED.name,
		building_type_id = EXCLUDED.building_type_id, floors = EXCLUDED.floors,
		deadline = EXCLUDED.deadline, queue = EXCLUDED.queue, height = EXCLUDED.height,
		status = EXCLUDED.status, lat = EXCLUDED.lat, lng = EXCLUDED.lng,
		banks = EXCLUDED.banks, updated_at = EXCLUDED.updated_at
	RETURNING (xmax = 0)`

// UpsertBuilding writes a building.
func (r *PostgresRepository) UpsertBuilding(ctx context.Context, row BuildingRow) (bool, error) {
	var banks any
	if len(row.Banks) > 0 {
		banks = string(row.Banks)
	}

	var inserted bool
	err := r.pool.QueryRow(ctx, upsertBuildingSQL,
		row.ID, row.CRMID.Arg(), row.BlockID, nullIfEmpty(row.Name), row.BuildingTypeID,
		row.Floors.Arg(), row.Deadline.Arg(), row.Queue.Arg(), row.Height,
		nullIfEmpty(row.Status), row.Lat, row.Lng, banks, r.now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, storageErr(err, "reconcile: upsert building")
	}
	return inserted, nil
}

const (
	loadBlockSQL = `SELECT id, name, COALESCE(district_id, ''), COALESCE(district_name, ''),
		COALESCE(builder_id, ''), COALESCE(builder_name, ''), lat, lng, is_city
		FROM catalog.blocks WHERE id = $1`

	loadBuildingSQL = `SELECT id, COALESCE(block_id, ''), deadline
		FROM catalog.buildings WHERE id = $1`

	upsertApartmentSQL = `INSERT INTO catalog.apartments (
			id, crm_id, source_hash, building_id, block_id, room, rooms_crm_id,
			floor, floors, number, wc_count,
			area_total, area_given, area_kitchen, area_balconies, area_living, area_rooms,
			price, price_meter, finishing_id, building_type_id, plan_url,
			block_name, block_district_id, block_district_name, block_builder_id, block_builder_name,
			block_lat, block_lng, block_is_city, building_deadline, geo_point,
			is_deleted, last_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			(SELECT crm_id FROM catalog.rooms WHERE crm_id = $6),
			$7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18,
			(SELECT id FROM catalog.finishings WHERE id = $19),
			(SELECT id FROM catalog.building_types WHERE id = $20),
			$21,
			$22, $23, $24, $25, $26,
			$27, $28, $29, $30, ST_GeomFromEWKB($31),
			false, $32, $33)
		ON CONFLICT (id) DO UPDATE SET
			crm_id = EXCLUDED.crm_id, source_hash = EXCLUDED.source_hash,
			building_id = EXCLUDED.building_id, block_id = EXCLUDED.block_id,
			room = EXCLUDED.room, rooms_crm_id = EXCLUDED.rooms_crm_id,
			floor = EXCLUDED.floor, floors = EXCLUDED.floors, number = EXCLUDED.number,
			wc_count = EXCLUDED.wc_count,
			area_total = EXCLUDED.area_total, area_given = EXCLUDED.area_given,
			area_kitchen = EXCLUDED.area_kitchen, area_balconies = EXCLUDED.area_balconies,
			area_living = EXCLUDED.area_living, area_rooms = EXCLUDED.area_rooms,
			price = EXCLUDED.price, price_meter = EXCLUDED.price_meter,
			finishing_id = EXCLUDED.finishing_id, building_type_id = EXCLUDED.building_type_id,
			plan_url = EXCLUDED.plan_url,
			block_name = EXCLUDED.block_name, block_district_id = EXCLUDED.block_district_id,
			block_district_name = EXCLUDED.block_district_name,
			block_builder_id = EXCLUDED.block_builder_id, block_builder_name = EXCLUDED.block_builder_name,
			block_lat = EXCLUDED.block_lat, block_lng = EXCLUDED.block_lng,
			block_is_city = EXCLUDED.block_is_city, building_deadline = EXCLUDED.building_deadline,
			geo_point = EXCLUDED.geo_point,
			is_deleted = false,
			last_seen_at = GREATEST(catalog.apartments.last_seen_at, EXCLUDED.last_seen_at),
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`
)

func (r *PostgresRepository) loadParents(ctx context.Context, tx pgx.Tx, blockID, buildingID string) (model.Block, model.Building, error) {
	var blk model.Block
	err := tx.QueryRow(ctx, loadBlockSQL, blockID).Scan(
		&blk.ID, &blk.Name, &blk.DistrictID, &blk.DistrictName,
		&blk.BuilderID, &blk.BuilderName, &blk.Lat, &blk.Lng, &blk.IsCity,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return blk, model.Building{}, eris.Wrapf(ErrDanglingReference, "block %s", blockID)
	}
	if err != nil {
		return blk, model.Building{}, storageErr(err, "reconcile: load block")
	}

	var bld model.Building
	var deadline *time.Time
	err = tx.QueryRow(ctx, loadBuildingSQL, buildingID).Scan(&bld.ID, &bld.BlockID, &deadline)
	if errors.Is(err, pgx.ErrNoRows) {
		return blk, bld, eris.Wrapf(ErrDanglingReference, "building %s", buildingID)
	}
	if err != nil {
		return blk, bld, storageErr(err, "reconcile: load building")
	}
	if deadline != nil {
		y, m, d := deadline.Date()
		bld.Deadline = model.NewDate(y, m, d)
	}
	return blk, bld, nil
}

// UpsertApartment loads the parents, projects their fields and writes the
// apartment in one transaction.
func (r *PostgresRepository) UpsertApartment(ctx context.Context, row ApartmentRow) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, storageErr(err, "reconcile: begin apartment tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	blk, bld, err := r.loadParents(ctx, tx, row.BlockID, row.BuildingID)
	if err != nil {
		return false, err
	}

	d := Project(blk, bld)
	point, err := model.EncodePoint(d.BlockLat, d.BlockLng)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = tx.QueryRow(ctx, upsertApartmentSQL,
		row.ID, row.CRMID.Arg(), row.SourceHash, row.BuildingID, row.BlockID, row.Room.Arg(),
		row.Floor.Arg(), row.Floors.Arg(), nullIfEmpty(row.Number), row.WCCount.Arg(),
		row.AreaTotal, row.AreaGiven, row.AreaKitchen, row.AreaBalconies, row.AreaLiving, nullIfEmpty(row.AreaRooms),
		row.Price, row.PriceMeter,
		row.FinishingID, row.BuildingTypeID,
		nullIfEmpty(row.PlanURL),
		d.BlockName, nullIfEmpty(d.BlockDistrictID), nullIfEmpty(d.BlockDistrictName),
		nullIfEmpty(d.BlockBuilderID), nullIfEmpty(d.BlockBuilderName),
		d.BlockLat, d.BlockLng, d.BlockIsCity, d.BuildingDeadline.Arg(), point,
		row.SeenAt, r.now().UTC(),
	).Scan(&inserted)
	if err != nil {
		return false, storageErr(err, "reconcile: upsert apartment")
	}

	if err := tx.Commit(ctx); err != nil {
		return false, storageErr(err, "reconcile: commit apartment")
	}
	return inserted, nil
}

// TouchApartments records that ids were observed at seenAt.
func (r *PostgresRepository) TouchApartments(ctx context.Context, ids []string, seenAt time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE catalog.apartments
		SET last_seen_at = GREATEST(last_seen_at, $1)
		WHERE id = ANY($2)`, seenAt, ids)
	if err != nil {
		return 0, storageErr(err, "reconcile: touch apartments")
	}
	return tag.RowsAffected(), nil
}

// MarkStale soft-deletes apartments not seen since cutoff.
func (r *PostgresRepository) MarkStale(ctx context.Context, sourceHash string, cutoff time.Time) (int64, error) {
	sql := `UPDATE catalog.apartments SET is_deleted = true, updated_at = $1
		WHERE is_deleted = false AND (last_seen_at IS NULL OR last_seen_at < $2)`
	args := []any{r.now().UTC(), cutoff}
	if sourceHash != "" {
		sql += ` AND source_hash = $3`
		args = append(args, sourceHash)
	}

	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, storageErr(err, "reconcile: mark stale")
	}
	return tag.RowsAffected(), nil
}

const (
	refreshDistrictNamesSQL = `UPDATE catalog.blocks b SET district_name = r.name
		FROM catalog.regions r
		WHERE r.id = b.district_id AND b.district_name IS DISTINCT FROM r.name`

	refreshBuilderNamesSQL = `UPDATE catalog.blocks b SET builder_name = r.name
		FROM catalog.builders r
		WHERE r.id = b.builder_id AND b.builder_name IS DISTINCT FROM r.name`

	rebuildApartmentsSQL = `UPDATE catalog.apartments a SET
			block_name = b.name,
			block_district_id = b.district_id, block_district_name = b.district_name,
			block_builder_id = b.builder_id, block_builder_name = b.builder_name,
			block_lat = b.lat, block_lng = b.lng, block_is_city = b.is_city,
			building_deadline = bl.deadline,
			geo_point = b.geo_point,
			updated_at = $1
		FROM catalog.blocks b, catalog.buildings bl
		WHERE b.id = a.block_id AND bl.id = a.building_id`
)

// RebuildDenormalized refreshes block parent names, then re-projects every
// apartment from its block and building.
func (r *PostgresRepository) RebuildDenormalized(ctx context.Context) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr(err, "reconcile: begin rebuild tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, refreshDistrictNamesSQL); err != nil {
		return 0, storageErr(err, "reconcile: refresh district names")
	}
	if _, err := tx.Exec(ctx, refreshBuilderNamesSQL); err != nil {
		return 0, storageErr(err, "reconcile: refresh builder names")
	}
	tag, err := tx.Exec(ctx, rebuildApartmentsSQL, r.now().UTC())
	if err != nil {
		return 0, storageErr(err, "reconcile: rebuild apartments")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr(err, "reconcile: commit rebuild")
	}
	return tag.RowsAffected(), nil
}
