package migrate

import (
	"fmt"
	"sort"
	"time"
)

// activityWindow is how far back join_date or last_updated must reach for an
// inactive-status member to survive migration.
const activityWindow = 2 * 365 * 24 * time.Hour

// dedupMembers keeps exactly one row per normalized email: the most recent
// last_updated, tiebroken by most recent join_date, then by later sheet
// position. Losers go to the review sink, never discarded. Winners come back
// in their original input order.
func dedupMembers(rows []memberRow) ([]memberRow, []ReviewRow) {
	winners := make(map[string]memberRow, len(rows))
	for _, row := range rows {
		current, ok := winners[row.Email]
		if !ok || supersedes(row, current) {
			winners[row.Email] = row
		}
	}

	kept := make([]memberRow, 0, len(winners))
	var review []ReviewRow
	for _, row := range rows {
		winner := winners[row.Email]
		if winner.source == row.source && winner.index == row.index {
			kept = append(kept, row)
			continue
		}
		review = append(review, ReviewRow{
			Source: row.source,
			Index:  row.index,
			Email:  row.Email,
			Row:    row.original,
			Reason: fmt.Sprintf("superseded by %s row %d (last_updated %s)", winner.source, winner.index, winner.LastUpdated.Format("2006-01-02")),
		})
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].source != kept[j].source {
			return kept[i].source < kept[j].source
		}
		return kept[i].index < kept[j].index
	})
	return kept, review
}

// supersedes reports whether a beats b under the keep-most-recent policy.
func supersedes(a, b memberRow) bool {
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	if !a.JoinDate.Equal(b.JoinDate) {
		return a.JoinDate.After(b.JoinDate)
	}
	// Full timestamp tie: rows appended later in the sheet are newer entries.
	if a.source != b.source {
		return a.source > b.source
	}
	return a.index > b.index
}

// filterActive drops members whose status is neither beginner nor regular and
// whose dates both fall outside the activity window. Dropped rows stay in the
// source; they are only excluded from the migrated output.
func filterActive(rows []memberRow, reference time.Time) (kept []memberRow, skipped int) {
	cutoff := reference.Add(-activityWindow)
	for _, row := range rows {
		switch row.Status {
		case "beginner", "regular":
			kept = append(kept, row)
			continue
		}
		if row.JoinDate.After(cutoff) || row.LastUpdated.After(cutoff) {
			kept = append(kept, row)
			continue
		}
		skipped++
	}
	return kept, skipped
}
