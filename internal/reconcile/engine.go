// Package reconcile turns decoded feed payloads into relational state:
// per-record upserts in dependency order, denormalized apartment fields,
// and soft deletion of apartments that left the feed.
package reconcile

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/monitoring"
)

// Engine applies feed records through a Repository. Upserts are
// idempotent; callers run them in dependency order with one sync
// timestamp and call MarkStaleApartments last. SyncPayload does exactly
// that.
type Engine struct {
	repo Repository
	log  *zap.Logger
}

// NewEngine creates an Engine over repo.
func NewEngine(repo Repository) *Engine {
	return &Engine{
		repo: repo,
		log:  zap.L().With(zap.String("component", "reconcile.engine")),
	}
}

// SyncOptions tune SyncPayload.
type SyncOptions struct {
	StaleThreshold time.Duration
	// GlobalStale runs the stale pass over every source instead of only
	// the one being synced.
	GlobalStale bool
}

// SyncPayload applies every collection present in p in dependency order
// using syncTS, then marks stale apartments of source. The stale pass is
// skipped when p carries no apartments collection, so a feed that only
// sends reference data never retires listings.
func (e *Engine) SyncPayload(ctx context.Context, source string, p *model.Payload, syncTS time.Time, opts SyncOptions) (*Report, error) {
	report := newReport(source, syncTS)
	log := e.log.With(zap.String("source", source))

	for _, f := range p.Invalid {
		b := report.Batches[f.Collection]
		b.Collection = f.Collection
		b.fail(RecordFailure{
			Collection: f.Collection,
			Index:      f.Index,
			ExternalID: f.ExternalID,
			Kind:       KindInvalidRecord,
			Message:    f.Err.Error(),
		})
		report.Batches[f.Collection] = b
		monitoring.RecordsTotal.WithLabelValues(f.Collection, KindInvalidRecord).Inc()
		log.Warn("invalid feed record",
			zap.String("collection", f.Collection),
			zap.Int("index", f.Index),
			zap.String("external_id", f.ExternalID),
			zap.Error(f.Err),
		)
	}

	steps := []struct {
		coll string
		run  func() (BatchResult, error)
	}{
		{model.CollRegions, func() (BatchResult, error) { return e.UpsertRegions(ctx, p.Regions) }},
		{model.CollBuilders, func() (BatchResult, error) { return e.UpsertBuilders(ctx, p.Builders) }},
		{model.CollFinishings, func() (BatchResult, error) { return e.UpsertFinishings(ctx, p.Finishings) }},
		{model.CollBuildingTypes, func() (BatchResult, error) { return e.UpsertBuildingTypes(ctx, p.BuildingTypes) }},
		{model.CollRooms, func() (BatchResult, error) { return e.UpsertRooms(ctx, p.Rooms) }},
		{model.CollSubways, func() (BatchResult, error) { return e.UpsertSubways(ctx, p.Subways) }},
		{model.CollBlocks, func() (BatchResult, error) { return e.UpsertBlocks(ctx, p.Blocks) }},
		{model.CollBuildings, func() (BatchResult, error) { return e.UpsertBuildings(ctx, p.Buildings) }},
		{model.CollApartments, func() (BatchResult, error) { return e.UpsertApartments(ctx, source, p.Apartments, syncTS) }},
	}

	for _, step := range steps {
		if !p.Has(step.coll) {
			continue
		}
		res, err := step.run()
		report.Batches[step.coll] = mergeBatch(report.Batches[step.coll], res)
		if err != nil {
			return report, eris.Wrapf(err, "reconcile: sync %s", step.coll)
		}
	}

	if !p.Has(model.CollApartments) {
		report.StaleSkipped = true
		log.Info("stale pass skipped: payload has no apartments collection")
		return report, nil
	}

	// Rejected apartments were still observed; keep them out of the stale pass.
	if ids := rejectedApartments(report); len(ids) > 0 {
		n, err := e.repo.TouchApartments(ctx, ids, syncTS.UTC())
		if err != nil {
			return report, eris.Wrap(err, "reconcile: touch rejected apartments")
		}
		report.Retained = n
		log.Info("rejected apartments kept alive",
			zap.Int("rejected", len(ids)),
			zap.Int64("retained", n),
		)
	}

	staleSource := source
	if opts.GlobalStale {
		staleSource = ""
	}
	n, err := e.MarkStaleApartments(ctx, staleSource, syncTS, opts.StaleThreshold)
	if err != nil {
		return report, err
	}
	report.StaleMarked = n

	log.Info("payload reconciled",
		zap.Int("written", report.Written()),
		zap.Any("failures", report.FailuresByKind()),
		zap.Int64("stale_marked", n),
	)
	return report, nil
}

// rejectedApartments returns the identified apartments of this run that
// were skipped. They count as observed for stale marking.
func rejectedApartments(r *Report) []string {
	b := r.Batches[model.CollApartments]
	seen := make(map[string]bool, len(b.Failures))
	var ids []string
	for _, f := range b.Failures {
		if f.ExternalID == "" || seen[f.ExternalID] {
			continue
		}
		seen[f.ExternalID] = true
		ids = append(ids, f.ExternalID)
	}
	return ids
}

func mergeBatch(a, b BatchResult) BatchResult {
	if a.Collection == "" {
		a.Collection = b.Collection
	}
	a.Inserted += b.Inserted
	a.Updated += b.Updated
	for _, f := range b.Failures {
		a.fail(f)
	}
	return a
}

// UpsertRegions writes regions (districts).
func (e *Engine) UpsertRegions(ctx context.Context, recs []model.ReferenceRecord) (BatchResult, error) {
	return e.upsertReferences(ctx, model.CollRegions, TableRegions, recs)
}

// UpsertBuilders writes builders.
func (e *Engine) UpsertBuilders(ctx context.Context, recs []model.ReferenceRecord) (BatchResult, error) {
	return e.upsertReferences(ctx, model.CollBuilders, TableBuilders, recs)
}

// UpsertFinishings writes finishing types.
func (e *Engine) UpsertFinishings(ctx context.Context, recs []model.ReferenceRecord) (BatchResult, error) {
	return e.upsertReferences(ctx, model.CollFinishings, TableFinishings, recs)
}

// UpsertBuildingTypes writes building types.
func (e *Engine) UpsertBuildingTypes(ctx context.Context, recs []model.ReferenceRecord) (BatchResult, error) {
	return e.upsertReferences(ctx, model.CollBuildingTypes, TableBuildingTypes, recs)
}

func (e *Engine) upsertReferences(ctx context.Context, coll, table string, recs []model.ReferenceRecord) (BatchResult, error) {
	return runBatch(ctx, e, coll, recs,
		func(r model.ReferenceRecord) string { return r.ExternalID() },
		func(ctx context.Context, r model.ReferenceRecord) (bool, error) {
			return e.repo.UpsertReference(ctx, table, ReferenceRow{
				ID:      r.ExternalID(),
				CRMID:   r.CRMID,
				Name:    r.Name.String(),
				LogoURL: r.Logo.String(),
			})
		})
}

// UpsertRooms writes room classes keyed by their numeric crm_id. The feed
// id is kept as a secondary reference.
func (e *Engine) UpsertRooms(ctx context.Context, recs []model.RoomRecord) (BatchResult, error) {
	return runBatch(ctx, e, model.CollRooms, recs,
		func(r model.RoomRecord) string {
			if !r.CRMID.Valid {
				return ""
			}
			return strconv.FormatInt(r.CRMID.Int, 10)
		},
		func(ctx context.Context, r model.RoomRecord) (bool, error) {
			return e.repo.UpsertRoom(ctx, RoomRow{
				CRMID:      r.CRMID.Int,
				ExternalID: r.ExternalID(),
				Name:       r.Name.String(),
			})
		})
}

// UpsertSubways writes metro stations.
func (e *Engine) UpsertSubways(ctx context.Context, recs []model.SubwayRecord) (BatchResult, error) {
	return runBatch(ctx, e, model.CollSubways, recs,
		func(r model.SubwayRecord) string { return r.ExternalID() },
		func(ctx context.Context, r model.SubwayRecord) (bool, error) {
			return e.repo.UpsertSubway(ctx, SubwayRow{
				ID:        r.ExternalID(),
				CRMID:     r.CRMID,
				Name:      r.Name.String(),
				LineName:  r.LineName.String(),
				LineColor: r.LineColor.String(),
			})
		})
}

// UpsertBlocks writes blocks. District and builder references may point at
// rows that do not exist yet; they are stored as NULL until a later sync
// brings the parent. The geo point is recomputed from lat/lng.
func (e *Engine) UpsertBlocks(ctx context.Context, recs []model.BlockRecord) (BatchResult, error) {
	return runBatch(ctx, e, model.CollBlocks, recs,
		func(r model.BlockRecord) string { return r.ExternalID() },
		func(ctx context.Context, r model.BlockRecord) (bool, error) {
			row, err := blockRow(r)
			if err != nil {
				return false, err
			}
			return e.repo.UpsertBlock(ctx, row)
		})
}

func blockRow(r model.BlockRecord) (BlockRow, error) {
	lat, lng := r.Lat.Coord(), r.Lng.Coord()
	point, err := model.EncodePoint(lat, lng)
	if err != nil {
		return BlockRow{}, err
	}

	subways := make([]BlockSubwayRow, 0, len(r.Subways))
	for _, s := range r.Subways {
		if s.SubwayID == "" {
			continue
		}
		subways = append(subways, BlockSubwayRow{
			SubwayID:     s.SubwayID.String(),
			DistanceTime: s.DistanceTime,
			DistanceType: s.DistanceType.String(),
		})
	}

	images := r.Images
	if images == nil {
		images = []string{}
	}

	return BlockRow{
		ID:          r.ExternalID(),
		CRMID:       r.CRMID,
		Name:        r.Name.String(),
		Description: r.Description.String(),
		Address:     r.Address.String(),
		DistrictID:  r.DistrictID.String(),
		BuilderID:   r.BuilderID.String(),
		Lat:         lat,
		Lng:         lng,
		GeoPoint:    point,
		IsCity:      r.IsCity,
		Status:      r.Status.String(),
		Deadline:    r.Deadline,
		Images:      images,
		Subways:     subways,
	}, nil
}

// UpsertBuildings writes buildings. Block and building-type references are
// nullable in the same way as a block's district and builder.
func (e *Engine) UpsertBuildings(ctx context.Context, recs []model.BuildingRecord) (BatchResult, error) {
	return runBatch(ctx, e, model.CollBuildings, recs,
		func(r model.BuildingRecord) string { return r.ExternalID() },
		func(ctx context.Context, r model.BuildingRecord) (bool, error) {
			return e.repo.UpsertBuilding(ctx, BuildingRow{
				ID:             r.ExternalID(),
				CRMID:          r.CRMID,
				BlockID:        r.BlockID.String(),
				Name:           r.Name.String(),
				BuildingTypeID: r.BuildingTypeID.String(),
				Floors:         r.Floors,
				Deadline:       r.Deadline,
				Queue:          r.Queue,
				Height:         r.Height.Money(),
				Status:         r.Status.String(),
				Lat:            r.Lat.Coord(),
				Lng:            r.Lng.Coord(),
				Banks:          r.Banks,
			})
		})
}

// UpsertApartments writes apartments seen by source at syncTS. Each row
// gets its parents' denormalized fields, last_seen_at = syncTS (never
// lowered) and is_deleted cleared. An apartment whose block or building is
// absent fails with ErrDanglingReference and the batch continues.
func (e *Engine) UpsertApartments(ctx context.Context, source string, recs []model.ApartmentRecord, syncTS time.Time) (BatchResult, error) {
	sourceHash := ""
	if source != "" {
		sourceHash = model.SourceHash(source)
	}
	return runBatch(ctx, e, model.CollApartments, recs,
		func(r model.ApartmentRecord) string { return r.ExternalID() },
		func(ctx context.Context, r model.ApartmentRecord) (bool, error) {
			if r.BuildingID == "" || r.BlockID == "" {
				return false, eris.Wrap(ErrDanglingReference, "apartment has no block or building id")
			}
			return e.repo.UpsertApartment(ctx, ApartmentRow{
				ID:             r.ExternalID(),
				CRMID:          r.CRMID,
				SourceHash:     sourceHash,
				BuildingID:     r.BuildingID.String(),
				BlockID:        r.BlockID.String(),
				Room:           r.Room,
				Floor:          r.Floor,
				Floors:         r.Floors,
				Number:         r.Number.String(),
				WCCount:        r.WCCount,
				AreaTotal:      r.AreaTotal.Money(),
				AreaGiven:      r.AreaGiven.Money(),
				AreaKitchen:    r.AreaKitchen.Money(),
				AreaBalconies:  r.AreaBalconies.Money(),
				AreaLiving:     r.AreaLiving.Money(),
				AreaRooms:      r.AreaRooms.String(),
				Price:          r.Price.Money(),
				PriceMeter:     r.PriceMeter.Money(),
				FinishingID:    r.FinishingID.String(),
				BuildingTypeID: r.BuildingTypeID.String(),
				PlanURL:        r.Plan.String(),
				SeenAt:         syncTS.UTC(),
			})
		})
}

// MarkStaleApartments flags as deleted every non-deleted apartment of
// source whose last_seen_at is NULL or older than syncTS - threshold. An
// empty source applies the pass to all sources. Rows are never removed.
func (e *Engine) MarkStaleApartments(ctx context.Context, source string, syncTS time.Time, threshold time.Duration) (int64, error) {
	if threshold < 0 {
		threshold = 0
	}
	cutoff := syncTS.UTC().Add(-threshold)

	sourceHash := ""
	if source != "" {
		sourceHash = model.SourceHash(source)
	}

	n, err := e.repo.MarkStale(ctx, sourceHash, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "reconcile: mark stale apartments")
	}

	monitoring.StaleMarkedTotal.Add(float64(n))
	e.log.Info("stale apartments marked",
		zap.String("source", source),
		zap.Time("cutoff", cutoff),
		zap.Int64("marked", n),
	)
	return n, nil
}

// RebuildDenormalized re-projects every apartment's parent fields.
func (e *Engine) RebuildDenormalized(ctx context.Context) (int64, error) {
	n, err := e.repo.RebuildDenormalized(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "reconcile: rebuild denormalized fields")
	}
	e.log.Info("denormalized fields rebuilt", zap.Int64("apartments", n))
	return n, nil
}

// feedIndex is the record's position in the feed, or n for records that
// were not decoded from one.
func feedIndex(rec any, n int) int {
	if r, ok := rec.(interface{ FeedIndex() (int, bool) }); ok {
		if i, ok := r.FeedIndex(); ok {
			return i
		}
	}
	return n
}

// runBatch applies fn to each record in order. Per-record failures are
// collected; ctx cancellation and ErrUnavailable stop the batch.
func runBatch[T any](
	ctx context.Context,
	e *Engine,
	coll string,
	recs []T,
	id func(T) string,
	fn func(context.Context, T) (bool, error),
) (BatchResult, error) {
	res := BatchResult{Collection: coll}
	log := e.log.With(zap.String("collection", coll))

	for n, rec := range recs {
		i := feedIndex(rec, n)
		if err := ctx.Err(); err != nil {
			return res, eris.Wrapf(err, "reconcile: %s interrupted at record %d", coll, i)
		}

		extID := id(rec)
		if extID == "" {
			res.fail(RecordFailure{
				Collection: coll,
				Index:      i,
				Kind:       KindMissingIdentifier,
				Message:    ErrMissingIdentifier.Error(),
			})
			monitoring.RecordsTotal.WithLabelValues(coll, KindMissingIdentifier).Inc()
			log.Warn("record skipped", zap.Int("index", i), zap.String("kind", KindMissingIdentifier))
			continue
		}

		inserted, err := fn(ctx, rec)
		if err != nil {
			if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
				return res, eris.Wrapf(err, "reconcile: %s aborted at %s", coll, extID)
			}
			kind := failureKind(err)
			res.fail(RecordFailure{
				Collection: coll,
				Index:      i,
				ExternalID: extID,
				Kind:       kind,
				Message:    err.Error(),
			})
			monitoring.RecordsTotal.WithLabelValues(coll, kind).Inc()
			log.Warn("record skipped",
				zap.Int("index", i),
				zap.String("external_id", extID),
				zap.String("kind", kind),
				zap.Error(err),
			)
			continue
		}

		if inserted {
			res.Inserted++
			monitoring.RecordsTotal.WithLabelValues(coll, "inserted").Inc()
		} else {
			res.Updated++
			monitoring.RecordsTotal.WithLabelValues(coll, "updated").Inc()
		}
	}

	log.Debug("batch applied",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.FailedTotal()),
	)
	return res, nil
}
