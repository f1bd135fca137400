package reconcile

import (
	"context"
	"time"

	"github.com/sells-group/listing-sync/internal/model"
)

// memRepo is an in-memory Repository with the same semantics as the
// Postgres one: nullable parent links, dangling apartments rejected,
// last_seen_at never lowered.
type memRepo struct {
	refs       map[string]map[string]ReferenceRow
	rooms      map[int64]RoomRow
	subways    map[string]SubwayRow
	blocks     map[string]BlockRow
	buildings  map[string]BuildingRow
	apartments map[string]*memApartment

	// failOn makes UpsertApartment return err for the given id.
	failOn map[string]error
}

type memApartment struct {
	row      ApartmentRow
	denorm   model.Denormalized
	deleted  bool
	lastSeen *time.Time
	writes   int
}

func newMemRepo() *memRepo {
	return &memRepo{
		refs:       make(map[string]map[string]ReferenceRow),
		rooms:      make(map[int64]RoomRow),
		subways:    make(map[string]SubwayRow),
		blocks:     make(map[string]BlockRow),
		buildings:  make(map[string]BuildingRow),
		apartments: make(map[string]*memApartment),
		failOn:     make(map[string]error),
	}
}

func (m *memRepo) UpsertReference(_ context.Context, table string, row ReferenceRow) (bool, error) {
	if m.refs[table] == nil {
		m.refs[table] = make(map[string]ReferenceRow)
	}
	_, exists := m.refs[table][row.ID]
	m.refs[table][row.ID] = row
	return !exists, nil
}

func (m *memRepo) UpsertRoom(_ context.Context, row RoomRow) (bool, error) {
	_, exists := m.rooms[row.CRMID]
	m.rooms[row.CRMID] = row
	return !exists, nil
}

func (m *memRepo) UpsertSubway(_ context.Context, row SubwayRow) (bool, error) {
	_, exists := m.subways[row.ID]
	m.subways[row.ID] = row
	return !exists, nil
}

func (m *memRepo) UpsertBlock(_ context.Context, row BlockRow) (bool, error) {
	if _, ok := m.refs[TableRegions][row.DistrictID]; !ok {
		row.DistrictID = ""
	}
	if _, ok := m.refs[TableBuilders][row.BuilderID]; !ok {
		row.BuilderID = ""
	}
	_, exists := m.blocks[row.ID]
	m.blocks[row.ID] = row
	return !exists, nil
}

func (m *memRepo) UpsertBuilding(_ context.Context, row BuildingRow) (bool, error) {
	if _, ok := m.blocks[row.BlockID]; !ok {
		row.BlockID = ""
	}
	_, exists := m.buildings[row.ID]
	m.buildings[row.ID] = row
	return !exists, nil
}

func (m *memRepo) block(id string) model.Block {
	b := m.blocks[id]
	return model.Block{
		ID:           b.ID,
		Name:         b.Name,
		DistrictID:   b.DistrictID,
		DistrictName: m.refs[TableRegions][b.DistrictID].Name,
		BuilderID:    b.BuilderID,
		BuilderName:  m.refs[TableBuilders][b.BuilderID].Name,
		Lat:          b.Lat,
		Lng:          b.Lng,
		IsCity:       b.IsCity,
	}
}

func (m *memRepo) building(id string) model.Building {
	b := m.buildings[id]
	return model.Building{ID: b.ID, BlockID: b.BlockID, Deadline: b.Deadline}
}

func (m *memRepo) UpsertApartment(_ context.Context, row ApartmentRow) (bool, error) {
	if err := m.failOn[row.ID]; err != nil {
		return false, err
	}
	if _, ok := m.blocks[row.BlockID]; !ok {
		return false, ErrDanglingReference
	}
	if _, ok := m.buildings[row.BuildingID]; !ok {
		return false, ErrDanglingReference
	}

	d := Project(m.block(row.BlockID), m.building(row.BuildingID))
	seen := row.SeenAt

	apt, exists := m.apartments[row.ID]
	if !exists {
		m.apartments[row.ID] = &memApartment{row: row, denorm: d, lastSeen: &seen, writes: 1}
		return true, nil
	}
	apt.row = row
	apt.denorm = d
	apt.deleted = false
	if apt.lastSeen == nil || seen.After(*apt.lastSeen) {
		apt.lastSeen = &seen
	}
	apt.writes++
	return false, nil
}

func (m *memRepo) TouchApartments(_ context.Context, ids []string, seenAt time.Time) (int64, error) {
	var n int64
	for _, id := range ids {
		apt, ok := m.apartments[id]
		if !ok {
			continue
		}
		if apt.lastSeen == nil || seenAt.After(*apt.lastSeen) {
			seen := seenAt
			apt.lastSeen = &seen
		}
		n++
	}
	return n, nil
}

func (m *memRepo) MarkStale(_ context.Context, sourceHash string, cutoff time.Time) (int64, error) {
	var n int64
	for _, apt := range m.apartments {
		if apt.deleted {
			continue
		}
		if sourceHash != "" && apt.row.SourceHash != sourceHash {
			continue
		}
		if apt.lastSeen == nil || apt.lastSeen.Before(cutoff) {
			apt.deleted = true
			n++
		}
	}
	return n, nil
}

func (m *memRepo) RebuildDenormalized(_ context.Context) (int64, error) {
	var n int64
	for _, apt := range m.apartments {
		if _, ok := m.blocks[apt.row.BlockID]; !ok {
			continue
		}
		if _, ok := m.buildings[apt.row.BuildingID]; !ok {
			continue
		}
		apt.denorm = Project(m.block(apt.row.BlockID), m.building(apt.row.BuildingID))
		n++
	}
	return n, nil
}
