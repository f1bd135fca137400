package model

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // content address, not a security boundary
	"encoding/hex"
	"encoding/json"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// Collection names as they appear at the root of a feed payload.
const (
	CollRegions       = "regions"
	CollBuilders      = "builders"
	CollFinishings    = "finishings"
	CollBuildingTypes = "building_types"
	CollRooms         = "rooms"
	CollSubways       = "subways"
	CollBlocks        = "blocks"
	CollBuildings     = "buildings"
	CollApartments    = "apartments"
)

// Collections lists every known collection in dependency order.
var Collections = []string{
	CollRegions, CollBuilders, CollFinishings, CollBuildingTypes, CollRooms, CollSubways,
	CollBlocks, CollBuildings, CollApartments,
}

// aliases maps alternative root keys seen in feeds to collection names.
var aliases = map[string]string{
	"districts":     CollRegions,
	"region":        CollRegions,
	"builder":       CollBuilders,
	"finishing":     CollFinishings,
	"buildingtypes": CollBuildingTypes,
	"buildingtype":  CollBuildingTypes,
	"room":          CollRooms,
	"subway":        CollSubways,
	"projects":      CollBlocks,
	"block":         CollBlocks,
	"building":      CollBuildings,
	"apartment":     CollApartments,
	"flats":         CollApartments,
}

// Hints name the root keys of the three main collections when a feed uses
// its own naming.
type Hints struct {
	Projects   string
	Buildings  string
	Apartments string
}

// SourceHash is the fixed-length content address of a feed URL.
func SourceHash(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// ExternalRef carries the feed's 24-char identifier, sent as "_id" or "id".
type ExternalRef struct {
	UnderscoreID Text `json:"_id"`
	PlainID      Text `json:"id"`

	// position in the feed array, plus one; zero when not decoded from a feed
	position int
}

// FeedIndex returns the record's position in its feed collection. ok is
// false for records that were not decoded by DecodePayload.
func (r ExternalRef) FeedIndex() (int, bool) {
	return r.position - 1, r.position > 0
}

func (r *ExternalRef) setFeedIndex(i int) { r.position = i + 1 }

// ExternalID returns the record's stable feed identifier, "" when absent.
func (r ExternalRef) ExternalID() string {
	if r.UnderscoreID != "" {
		return r.UnderscoreID.String()
	}
	return r.PlainID.String()
}

// ReferenceRecord is a region, builder, finishing or building type.
type ReferenceRecord struct {
	ExternalRef
	CRMID NullInt `json:"crm_id"`
	Name  Text    `json:"name"`
	Logo  Text    `json:"logo"`
}

// RoomRecord is a room-count class. CRMID is its identity (0 = studio).
type RoomRecord struct {
	ExternalRef
	CRMID NullInt `json:"crm_id"`
	Name  Text    `json:"name"`
}

// SubwayRecord is a metro station.
type SubwayRecord struct {
	ExternalRef
	CRMID     NullInt `json:"crm_id"`
	Name      Text    `json:"name"`
	LineName  Text    `json:"line_name"`
	LineColor Text    `json:"line_color"`
}

// BlockSubway links a block to a station with a travel time.
type BlockSubway struct {
	SubwayID     Text    `json:"subway_id"`
	DistanceTime NullInt `json:"distance_time"`
	DistanceType Text    `json:"distance_type"`
}

// BlockRecord is a residential complex.
type BlockRecord struct {
	ExternalRef
	CRMID       NullInt       `json:"crm_id"`
	Name        Text          `json:"name"`
	Description Text          `json:"description"`
	Address     Text          `json:"address"`
	DistrictID  Text          `json:"district"`
	BuilderID   Text          `json:"builder"`
	Lat         Amount        `json:"lat"`
	Lng         Amount        `json:"lng"`
	IsCity      bool          `json:"is_city"`
	Status      Text          `json:"status"`
	Deadline    Date          `json:"deadline"`
	Images      []string      `json:"images"`
	Subways     []BlockSubway `json:"subway"`
}

// BuildingRecord is a single building within a block.
type BuildingRecord struct {
	ExternalRef
	CRMID          NullInt         `json:"crm_id"`
	BlockID        Text            `json:"block_id"`
	Name           Text            `json:"name"`
	BuildingTypeID Text            `json:"building_type"`
	Floors         NullInt         `json:"floors"`
	Deadline       Date            `json:"deadline"`
	Queue          NullInt         `json:"queue"`
	Height         Amount          `json:"height"`
	Status         Text            `json:"status"`
	Lat            Amount          `json:"lat"`
	Lng            Amount          `json:"lng"`
	Banks          json.RawMessage `json:"banks"`
}

// ApartmentRecord is a sellable unit.
type ApartmentRecord struct {
	ExternalRef
	CRMID          NullInt `json:"crm_id"`
	BuildingID     Text    `json:"building_id"`
	BlockID        Text    `json:"block_id"`
	Room           NullInt `json:"room"`
	Floor          NullInt `json:"floor"`
	Floors         NullInt `json:"floors"`
	Number         Text    `json:"number"`
	WCCount        NullInt `json:"wc_count"`
	AreaTotal      Amount  `json:"area_total"`
	AreaGiven      Amount  `json:"area_given"`
	AreaKitchen    Amount  `json:"area_kitchen"`
	AreaBalconies  Amount  `json:"area_balconies_total"`
	AreaLiving     Amount  `json:"area_living"`
	AreaRooms      Text    `json:"area_rooms_total"`
	Price          Amount  `json:"price"`
	PriceMeter     Amount  `json:"price_meter"`
	FinishingID    Text    `json:"finishing"`
	BuildingTypeID Text    `json:"building_type"`
	Plan           Text    `json:"plan"`
}

// Payload is a decoded feed document. Present records which collections
// appeared, even when empty, so callers can tell "no apartments" from
// "this feed does not carry apartments".
type Payload struct {
	Regions       []ReferenceRecord
	Builders      []ReferenceRecord
	Finishings    []ReferenceRecord
	BuildingTypes []ReferenceRecord
	Rooms         []RoomRecord
	Subways       []SubwayRecord
	Blocks        []BlockRecord
	Buildings     []BuildingRecord
	Apartments    []ApartmentRecord

	Present map[string]bool
	Invalid []DecodeFailure
}

// Has reports whether collection was present in the document.
func (p *Payload) Has(collection string) bool {
	return p.Present[collection]
}

// Len returns the number of records in collection.
func (p *Payload) Len(collection string) int {
	switch collection {
	case CollRegions:
		return len(p.Regions)
	case CollBuilders:
		return len(p.Builders)
	case CollFinishings:
		return len(p.Finishings)
	case CollBuildingTypes:
		return len(p.BuildingTypes)
	case CollRooms:
		return len(p.Rooms)
	case CollSubways:
		return len(p.Subways)
	case CollBlocks:
		return len(p.Blocks)
	case CollBuildings:
		return len(p.Buildings)
	case CollApartments:
		return len(p.Apartments)
	}
	return 0
}

// CollectionName resolves a root key to a known collection using hints
// first, then the built-in aliases. It returns "" for unknown keys.
func CollectionName(key string, hints Hints) string {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case k == "":
		return ""
	case hints.Projects != "" && k == strings.ToLower(hints.Projects):
		return CollBlocks
	case hints.Buildings != "" && k == strings.ToLower(hints.Buildings):
		return CollBuildings
	case hints.Apartments != "" && k == strings.ToLower(hints.Apartments):
		return CollApartments
	}
	for _, c := range Collections {
		if k == c {
			return c
		}
	}
	return aliases[k]
}

// CollectionFromURL infers the collection of a root-array feed from the
// last path segment of its URL, e.g. ".../apartments.json".
func CollectionFromURL(rawURL string, hints Hints) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return CollectionName(base, hints)
}

// DecodePayload decodes a feed document. The root is either an object
// keyed by collection or a bare array whose collection is inferred from
// sourceURL. Unknown root keys are ignored.
func DecodePayload(data []byte, sourceURL string, hints Hints) (*Payload, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, eris.New("model: empty payload")
	}

	raw := map[string]json.RawMessage{}
	switch data[0] {
	case '[':
		coll := CollectionFromURL(sourceURL, hints)
		if coll == "" {
			return nil, eris.Errorf("model: cannot infer collection for root array at %s", sourceURL)
		}
		raw[coll] = data
	case '{':
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, eris.Wrap(err, "model: decode payload")
		}
		for key, msg := range doc {
			if coll := CollectionName(key, hints); coll != "" {
				raw[coll] = msg
			}
		}
	default:
		return nil, eris.New("model: payload root must be an object or array")
	}

	p := &Payload{Present: make(map[string]bool, len(raw))}
	for _, coll := range Collections {
		msg, ok := raw[coll]
		if !ok {
			continue
		}
		p.Present[coll] = true
		if bytes.Equal(bytes.TrimSpace(msg), jsonNull) {
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(msg, &items); err != nil {
			return nil, eris.Wrapf(err, "model: %s must be an array", coll)
		}

		var bad []DecodeFailure
		switch coll {
		case CollRegions:
			p.Regions, bad = decodeEach[ReferenceRecord](coll, items)
		case CollBuilders:
			p.Builders, bad = decodeEach[ReferenceRecord](coll, items)
		case CollFinishings:
			p.Finishings, bad = decodeEach[ReferenceRecord](coll, items)
		case CollBuildingTypes:
			p.BuildingTypes, bad = decodeEach[ReferenceRecord](coll, items)
		case CollRooms:
			p.Rooms, bad = decodeEach[RoomRecord](coll, items)
		case CollSubways:
			p.Subways, bad = decodeEach[SubwayRecord](coll, items)
		case CollBlocks:
			p.Blocks, bad = decodeEach[BlockRecord](coll, items)
		case CollBuildings:
			p.Buildings, bad = decodeEach[BuildingRecord](coll, items)
		case CollApartments:
			p.Apartments, bad = decodeEach[ApartmentRecord](coll, items)
		}
		p.Invalid = append(p.Invalid, bad...)
	}
	return p, nil
}

// DecodeFailure is a record that could not be decoded. The rest of its
// collection is still usable.
type DecodeFailure struct {
	Collection string
	Index      int
	ExternalID string
	Err        error
}

func decodeEach[T any](coll string, items []json.RawMessage) ([]T, []DecodeFailure) {
	out := make([]T, 0, len(items))
	var bad []DecodeFailure
	for i, msg := range items {
		var rec T
		if err := json.Unmarshal(msg, &rec); err != nil {
			var ref ExternalRef
			_ = json.Unmarshal(msg, &ref)
			bad = append(bad, DecodeFailure{
				Collection: coll,
				Index:      i,
				ExternalID: ref.ExternalID(),
				Err:        eris.Wrapf(err, "model: decode %s[%d]", coll, i),
			})
			continue
		}
		if ix, ok := any(&rec).(interface{ setFeedIndex(int) }); ok {
			ix.setFeedIndex(i)
		}
		out = append(out, rec)
	}
	return out, bad
}
