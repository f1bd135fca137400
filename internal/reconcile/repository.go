package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/listing-sync/internal/model"
)

// Reference tables that share the {id, crm_id, name} shape.
const (
	TableRegions       = "regions"
	TableBuilders      = "builders"
	TableFinishings    = "finishings"
	TableBuildingTypes = "building_types"
)

// ReferenceRow is a normalized region, builder, finishing or building type.
type ReferenceRow struct {
	ID      string
	CRMID   model.NullInt
	Name    string
	LogoURL string
}

// RoomRow is keyed by CRMID.
type RoomRow struct {
	CRMID      int64
	ExternalID string
	Name       string
}

// SubwayRow is a metro station.
type SubwayRow struct {
	ID        string
	CRMID     model.NullInt
	Name      string
	LineName  string
	LineColor string
}

// BlockSubwayRow links a block to a station.
type BlockSubwayRow struct {
	SubwayID     string
	DistanceTime model.NullInt
	DistanceType string
}

// BlockRow is a normalized block ready to write. District and builder
// names are resolved by the repository from the referenced rows.
type BlockRow struct {
	ID          string
	CRMID       model.NullInt
	Name        string
	Description string
	Address     string
	DistrictID  string
	BuilderID   string
	Lat         decimal.NullDecimal
	Lng         decimal.NullDecimal
	GeoPoint    []byte
	IsCity      bool
	Status      string
	Deadline    model.Date
	Images      []string
	Subways     []BlockSubwayRow
}

// BuildingRow is a normalized building ready to write.
type BuildingRow struct {
	ID             string
	CRMID          model.NullInt
	BlockID        string
	Name           string
	BuildingTypeID string
	Floors         model.NullInt
	Deadline       model.Date
	Queue          model.NullInt
	Height         decimal.NullDecimal
	Status         string
	Lat            decimal.NullDecimal
	Lng            decimal.NullDecimal
	Banks          []byte
}

// ApartmentRow is a normalized apartment ready to write. The denormalized
// parent fields are filled in by the repository via Project.
type ApartmentRow struct {
	ID             string
	CRMID          model.NullInt
	SourceHash     string
	BuildingID     string
	BlockID        string
	Room           model.NullInt
	Floor          model.NullInt
	Floors         model.NullInt
	Number         string
	WCCount        model.NullInt
	AreaTotal      decimal.NullDecimal
	AreaGiven      decimal.NullDecimal
	AreaKitchen    decimal.NullDecimal
	AreaBalconies  decimal.NullDecimal
	AreaLiving     decimal.NullDecimal
	AreaRooms      string
	Price          decimal.NullDecimal
	PriceMeter     decimal.NullDecimal
	FinishingID    string
	BuildingTypeID string
	PlanURL        string
	SeenAt         time.Time
}

// Repository is the storage behind the Engine. Every Upsert method is one
// atomic write of one record and reports whether it inserted a new row.
type Repository interface {
	UpsertReference(ctx context.Context, table string, row ReferenceRow) (bool, error)
	UpsertRoom(ctx context.Context, row RoomRow) (bool, error)
	UpsertSubway(ctx context.Context, row SubwayRow) (bool, error)
	UpsertBlock(ctx context.Context, row BlockRow) (bool, error)
	UpsertBuilding(ctx context.Context, row BuildingRow) (bool, error)
	// UpsertApartment loads the parent block and building, returns
	// ErrDanglingReference when either is absent, and stores the row with
	// Project(block, building). last_seen_at never moves backwards.
	UpsertApartment(ctx context.Context, row ApartmentRow) (bool, error)
	// TouchApartments advances last_seen_at of existing apartments to
	// seenAt without changing anything else. Unknown ids are ignored.
	TouchApartments(ctx context.Context, ids []string, seenAt time.Time) (int64, error)
	// MarkStale flags non-deleted apartments last seen before cutoff (or
	// never). An empty sourceHash applies to every source.
	MarkStale(ctx context.Context, sourceHash string, cutoff time.Time) (int64, error)
	// RebuildDenormalized re-projects every apartment from its parents.
	RebuildDenormalized(ctx context.Context) (int64, error)
}
