package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Block is the persisted state of a residential complex that apartments
// copy their denormalized fields from.
type Block struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	DistrictID   string              `json:"district_id,omitempty"`
	DistrictName string              `json:"district_name,omitempty"`
	BuilderID    string              `json:"builder_id,omitempty"`
	BuilderName  string              `json:"builder_name,omitempty"`
	Lat          decimal.NullDecimal `json:"lat"`
	Lng          decimal.NullDecimal `json:"lng"`
	IsCity       bool                `json:"is_city"`
}

// Building is the persisted state of a building.
type Building struct {
	ID       string `json:"id"`
	BlockID  string `json:"block_id,omitempty"`
	Deadline Date   `json:"deadline"`
}

// Denormalized holds the parent fields stored on every apartment row.
type Denormalized struct {
	BlockName         string              `json:"block_name"`
	BlockDistrictID   string              `json:"block_district_id,omitempty"`
	BlockDistrictName string              `json:"block_district_name,omitempty"`
	BlockBuilderID    string              `json:"block_builder_id,omitempty"`
	BlockBuilderName  string              `json:"block_builder_name,omitempty"`
	BlockLat          decimal.NullDecimal `json:"block_lat"`
	BlockLng          decimal.NullDecimal `json:"block_lng"`
	BlockIsCity       bool                `json:"block_is_city"`
	BuildingDeadline  Date                `json:"building_deadline"`
}

// Apartment is a listing row as served by the read API.
type Apartment struct {
	ID            string              `json:"id"`
	CRMID         NullInt             `json:"crm_id"`
	BuildingID    string              `json:"building_id"`
	BlockID       string              `json:"block_id"`
	Room          NullInt             `json:"room"`
	Floor         NullInt             `json:"floor"`
	Floors        NullInt             `json:"floors"`
	Number        string              `json:"number,omitempty"`
	WCCount       NullInt             `json:"wc_count"`
	AreaTotal     decimal.NullDecimal `json:"area_total"`
	AreaGiven     decimal.NullDecimal `json:"area_given"`
	AreaKitchen   decimal.NullDecimal `json:"area_kitchen"`
	AreaBalconies decimal.NullDecimal `json:"area_balconies"`
	AreaLiving    decimal.NullDecimal `json:"area_living"`
	AreaRooms     string              `json:"area_rooms,omitempty"`
	Price         decimal.NullDecimal `json:"price"`
	PriceMeter    decimal.NullDecimal `json:"price_meter"`
	FinishingID   string              `json:"finishing_id,omitempty"`
	PlanURL       string              `json:"plan_url,omitempty"`
	Denormalized
	IsDeleted  bool       `json:"is_deleted"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
