package pipeline

import (
	"sort"

	"github.com/tstrasser/wheelhouse/internal/models"
)

// Rank orders opportunities best-first: score descending, then mid
// descending, then nearer expiration. The sort is stable so equal
// opportunities keep their discovery order and repeated ranking of the same
// input yields the same output.
func Rank(opps []models.Opportunity) {
	sort.SliceStable(opps, func(i, j int) bool {
		if opps[i].Score != opps[j].Score {
			return opps[i].Score > opps[j].Score
		}
		if opps[i].Mid != opps[j].Mid {
			return opps[i].Mid > opps[j].Mid
		}
		return opps[i].DTE < opps[j].DTE
	})
}
