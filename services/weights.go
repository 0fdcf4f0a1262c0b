package services

import (
	"fmt"
	"time"

	"kpitracker/models"
)

// RecomputeWeights splits 100 evenly across the KPIs of one academic year and
// each KPI's share evenly across its deliverables. It reports which KPIs
// ended up with different weights.
func RecomputeWeights(kpis []*models.KPI) []*models.KPI {
	if len(kpis) == 0 {
		return nil
	}
	share := 100 / float64(len(kpis))

	var changed []*models.KPI
	for _, k := range kpis {
		dirty := k.Weight != share
		k.Weight = share
		if n := len(k.Deliverables); n > 0 {
			per := share / float64(n)
			for i := range k.Deliverables {
				if k.Deliverables[i].Weight != per {
					k.Deliverables[i].Weight = per
					dirty = true
				}
			}
		}
		if dirty {
			changed = append(changed, k)
		}
	}
	return changed
}

// AcademicYearFor labels the academic year containing t, e.g. "2025-2026"
// for a year that starts in September 2025.
func AcademicYearFor(t time.Time, startMonth time.Month) string {
	start := t.Year()
	if t.Month() < startMonth {
		start--
	}
	return fmt.Sprintf("%d-%d", start, start+1)
}
