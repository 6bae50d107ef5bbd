package fs

import "sort"

// StagedDirs is the read-only set of staging records for a run, together
// with the rewrite table derived from them.
type StagedDirs struct {
	records []StagingRecord
	table   *PathTable
}

// NewStagedDirs dedupes records by original path; the first record for an
// original path wins.
func NewStagedDirs(records []StagingRecord) *StagedDirs {
	seen := make(map[string]struct{}, len(records))
	kept := make([]StagingRecord, 0, len(records))
	mapping := make(map[string]string, len(records))
	for _, rec := range records {
		if _, dup := seen[rec.Original]; dup {
			continue
		}
		seen[rec.Original] = struct{}{}
		kept = append(kept, rec)
		mapping[rec.Original] = rec.Staged
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].Original < kept[j].Original
	})
	return &StagedDirs{records: kept, table: NewPathTable(mapping)}
}

// Records returns a copy of the staging records, sorted by original path.
func (s *StagedDirs) Records() []StagingRecord {
	if s == nil {
		return nil
	}
	out := make([]StagingRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *StagedDirs) Table() *PathTable {
	if s == nil {
		return nil
	}
	return s.table
}

func (s *StagedDirs) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}
