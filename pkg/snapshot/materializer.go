// Package snapshot derives the immutable per-run issue snapshot from the
// fact layer and publishes a quality-approved snapshot to the current-state
// table.
package snapshot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Materializer writes one immutable snapshot row per issue for an import
// run, from the most recent fact partition.
type Materializer struct {
	log logrus.FieldLogger
	wh  warehouse.Store
	now func() time.Time
}

// NewMaterializer creates a Materializer. A nil clock uses time.Now.
func NewMaterializer(
	log logrus.FieldLogger,
	wh warehouse.Store,
	now func() time.Time,
) *Materializer {
	if now == nil {
		now = time.Now
	}

	return &Materializer{
		log: log.WithField("component", "snapshot"),
		wh:  wh,
		now: now,
	}
}

// statusKey builds the case- and whitespace-insensitive lookup key for the
// status mapping table.
func statusKey(sourceSystem, rawStatus string) string {
	return strings.ToLower(strings.TrimSpace(sourceSystem)) + "|" +
		strings.ToLower(strings.TrimSpace(rawStatus))
}

// Materialize writes the snapshot rows for importRunID from the latest fact
// snapshot date and returns the row count. It reads only the fact and
// reference layers, so it is deterministic and cannot touch any other run's
// data.
func (m *Materializer) Materialize(
	ctx context.Context, importRunID uint,
) (int, error) {
	date, err := m.wh.LatestFactSnapshotDate(ctx)
	if err != nil {
		return 0, err
	}

	if date == "" {
		return 0, fmt.Errorf("no fact snapshot partition available")
	}

	facts, err := m.wh.FactsForSnapshotDate(ctx, date)
	if err != nil {
		return 0, err
	}

	statusMappings, err := m.wh.ListStatusMappings(ctx)
	if err != nil {
		return 0, err
	}

	statusByKey := make(map[string]warehouse.StatusMapping, len(statusMappings))
	for _, sm := range statusMappings {
		statusByKey[statusKey(sm.SourceSystem, sm.RawStatus)] = sm
	}

	bridge, err := m.wh.ListCategoryBridge(ctx)
	if err != nil {
		return 0, err
	}

	disciplineByKey := make(map[string]string, len(bridge))
	for _, b := range bridge {
		disciplineByKey[statusKey(b.SourceSystem, b.Category)] = b.Discipline
	}

	now := m.now().UTC()

	rows := make([]warehouse.IssueSnapshot, 0, len(facts))

	for _, fact := range facts {
		key := fact.NaturalKey()

		row := warehouse.IssueSnapshot{
			ImportRunID:     importRunID,
			IssueKey:        key,
			IssueKeyHash:    warehouse.IssueKeyHash(key),
			SourceSystem:    fact.SourceSystem,
			SourceProjectID: fact.SourceProjectID,
			SourceIssueID:   fact.SourceIssueID,
			ProjectKey:      fact.ProjectKey,
			AssigneeUserKey: fact.AssigneeUserKey,
			Title:           fact.Title,
			StatusRaw:       fact.StatusRaw,
			Priority:        fact.PriorityNormalized,
			Location:        fact.LocationNormalized,
			CreatedAtSrc:    fact.CreatedAtSrc,
			ClosedAtSrc:     fact.ClosedAtSrc,
			SnapshotDate:    date,
			CreatedAt:       now,
		}

		if sm, ok := statusByKey[statusKey(fact.SourceSystem, fact.StatusRaw)]; ok {
			row.StatusNormalized = sm.NormalizedStatus
			row.IsOpen = sm.IsOpen
		} else {
			// Unmapped status: leave it empty for the coverage check
			// and fall back to close-time for the open flag.
			row.IsOpen = fact.ClosedAtSrc == nil
		}

		if d, ok := disciplineByKey[statusKey(fact.SourceSystem, fact.Category)]; ok {
			row.Discipline = d
		}

		row.AgeDays = int(now.Sub(fact.CreatedAtSrc).Hours() / 24)

		if fact.ClosedAtSrc != nil {
			days := int(fact.ClosedAtSrc.Sub(fact.CreatedAtSrc).Hours() / 24)
			row.DaysToClose = &days
		}

		rows = append(rows, row)
	}

	if err := m.wh.InsertIssueSnapshots(ctx, rows); err != nil {
		return 0, err
	}

	m.log.WithFields(logrus.Fields{
		"import_run_id": importRunID,
		"snapshot_date": date,
		"rows":          len(rows),
	}).Info("Issue snapshot materialized")

	return len(rows), nil
}
