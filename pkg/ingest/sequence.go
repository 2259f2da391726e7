package ingest

import (
	"fmt"

	"github.com/streamtools/streamer.tools/pkg/report"
)

// filterNew keeps only readings with a sequence id beyond the streamer's
// committed cursor, tracking the kept min/max in the same pass. Reports
// can carry tens of thousands of readings, so this never sorts or
// re-scans. A zero (first, last) pair means nothing survived.
func filterNew(readings []report.RawReading, lastID uint32, footer report.Footer) ([]report.RawReading, uint32, uint32, error) {
	kept := make([]report.RawReading, 0, len(readings))
	var first, last uint32

	for _, r := range readings {
		// Sanity check against the footer-claimed range, not a filter.
		if !(r.ID >= footer.LowestID || r.ID <= footer.HighestID) {
			return nil, 0, 0, fmt.Errorf("%w: id %d not in [%d, %d]",
				ErrSequenceInconsistency, r.ID, footer.LowestID, footer.HighestID)
		}

		if r.ID <= lastID {
			continue
		}

		if len(kept) == 0 || r.ID < first {
			first = r.ID
		}
		if r.ID > last {
			last = r.ID
		}
		kept = append(kept, r)
	}

	return kept, first, last, nil
}
