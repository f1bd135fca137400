package reconcile

import "github.com/sells-group/listing-sync/internal/model"

// Project derives the fields an apartment copies from its parents. It is
// pure: the same block and building always give the same result, so the
// columns can be rebuilt from the normalized tables at any time.
func Project(block model.Block, building model.Building) model.Denormalized {
	return model.Denormalized{
		BlockName:         block.Name,
		BlockDistrictID:   block.DistrictID,
		BlockDistrictName: block.DistrictName,
		BlockBuilderID:    block.BuilderID,
		BlockBuilderName:  block.BuilderName,
		BlockLat:          block.Lat,
		BlockLng:          block.Lng,
		BlockIsCity:       block.IsCity,
		BuildingDeadline:  building.Deadline,
	}
}
