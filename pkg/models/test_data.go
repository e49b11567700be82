package models

import (
	"cmp"
	"maps"
	"slices"
	"time"
)

// TestData is a named set of configured input variables.
type TestData struct {
	ID            int64             `json:"id"`
	ApplicationID int64             `json:"application_id"`
	Category      string            `json:"category"`
	Description   string            `json:"description"`
	Variables     map[string]string `json:"variables"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// MergeTestData overlays the variables of every record in ascending id order, so the record with the
// highest id wins on key collisions.
func MergeTestData(records []*TestData) map[string]string {
	sorted := make([]*TestData, 0, len(records))
	for _, record := range records {
		if record != nil {
			sorted = append(sorted, record)
		}
	}

	slices.SortFunc(sorted, func(a, b *TestData) int {
		return cmp.Compare(a.ID, b.ID)
	})

	merged := make(map[string]string)
	for _, record := range sorted {
		maps.Copy(merged, record.Variables)
	}

	return merged
}
