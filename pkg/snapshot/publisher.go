package snapshot

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rstrinati/bimwarehouse/pkg/warehouse"
)

// Publisher replaces the current-state table from exactly one
// quality-approved snapshot. Callers must not invoke Publish unless the
// blocking issue suite passed for the import run.
type Publisher struct {
	log logrus.FieldLogger
	wh  warehouse.Store
}

// NewPublisher creates a Publisher.
func NewPublisher(log logrus.FieldLogger, wh warehouse.Store) *Publisher {
	return &Publisher{
		log: log.WithField("component", "publisher"),
		wh:  wh,
	}
}

// Publish wholesale-replaces the current-state table with the import run's
// snapshot, picking exactly one row per issue key (latest internal sequence
// id wins). The replace is a full clear plus bulk insert in one
// transaction, never a merge.
func (p *Publisher) Publish(
	ctx context.Context, importRunID uint,
) (int, error) {
	snapshots, err := p.wh.SnapshotsForRun(ctx, importRunID)
	if err != nil {
		return 0, err
	}

	chosen := make(map[string]warehouse.IssueSnapshot, len(snapshots))
	order := make([]string, 0, len(snapshots))

	for _, row := range snapshots {
		cur, ok := chosen[row.IssueKeyHash]
		if !ok {
			order = append(order, row.IssueKeyHash)
		}

		if !ok || row.ID > cur.ID {
			chosen[row.IssueKeyHash] = row
		}
	}

	rows := make([]warehouse.CurrentIssue, 0, len(order))

	for _, hash := range order {
		snap := chosen[hash]
		rows = append(rows, warehouse.CurrentIssue{
			ImportRunID:      snap.ImportRunID,
			IssueKey:         snap.IssueKey,
			IssueKeyHash:     snap.IssueKeyHash,
			SourceSystem:     snap.SourceSystem,
			SourceProjectID:  snap.SourceProjectID,
			SourceIssueID:    snap.SourceIssueID,
			ProjectKey:       snap.ProjectKey,
			AssigneeUserKey:  snap.AssigneeUserKey,
			Title:            snap.Title,
			StatusRaw:        snap.StatusRaw,
			StatusNormalized: snap.StatusNormalized,
			Priority:         snap.Priority,
			Discipline:       snap.Discipline,
			Location:         snap.Location,
			CreatedAtSrc:     snap.CreatedAtSrc,
			ClosedAtSrc:      snap.ClosedAtSrc,
			IsOpen:           snap.IsOpen,
			SnapshotDate:     snap.SnapshotDate,
		})
	}

	count, err := p.wh.ReplaceCurrentIssues(ctx, rows)
	if err != nil {
		return 0, err
	}

	p.log.WithFields(logrus.Fields{
		"import_run_id": importRunID,
		"rows":          count,
	}).Info("Current state republished")

	return count, nil
}
