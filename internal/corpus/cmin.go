package corpus

import (
	"go.uber.org/zap"
)

// MinimizeCorpus runs one evolution pass.
//
// Seeds are visited in priority order and a seed is kept only if it is golden or covers a
// unit none of the previously kept seeds cover. Every unit of the union belongs to some
// seed, and that seed is kept unless the unit was already covered, so the kept set has
// exactly the same coverage union as the corpus had before the pass.
func (s *Store) MinimizeCorpus() EvolutionMetrics {
	before := len(s.coverage)

	covered := make(map[string]struct{}, before)
	var kept []*Seed
	var pruned []string
	for _, seed := range s.priorityOrder() {
		contributes := false
		for unit := range s.seedCov[seed.ID] {
			if _, ok := covered[unit]; !ok {
				contributes = true
				break
			}
		}
		if !seed.IsGolden && !contributes {
			pruned = append(pruned, seed.ID)
			continue
		}
		kept = append(kept, seed)
		for unit := range s.seedCov[seed.ID] {
			covered[unit] = struct{}{}
		}
	}

	for _, id := range pruned {
		s.remove(id)
	}
	s.coverage = covered

	promoted := s.autoPromote(kept)

	s.version++
	s.generation++

	metrics := EvolutionMetrics{
		GenerationNumber: s.generation,
		Pruned:           len(pruned),
		Added:            s.addedSinceGen,
		Promoted:         promoted,
	}
	if len(s.coverage) > 0 {
		metrics.NewCoveragePercent = float64(len(s.coverage)-s.coverageAtGen) / float64(len(s.coverage)) * 100
	}
	if len(kept) > 0 {
		total := 0.0
		for _, seed := range kept {
			total += seed.Energy
		}
		metrics.AvgEnergy = total / float64(len(kept))
	}

	s.addedSinceGen = 0
	s.coverageAtGen = len(s.coverage)

	s.logger.Info("corpus minimized",
		zap.Int("generation", metrics.GenerationNumber),
		zap.Int("kept", len(kept)),
		zap.Int("pruned", metrics.Pruned),
		zap.Int("promoted", metrics.Promoted),
		zap.Int("coverage_units", len(s.coverage)),
		zap.Int("coverage_units_before", before))
	return metrics
}

// autoPromote marks high quality seeds golden: crash productive seeds and seeds that are
// the only carrier of many coverage units.
func (s *Store) autoPromote(kept []*Seed) int {
	if s.promoteCrashes <= 0 && s.promoteUniqueUnits <= 0 {
		return 0
	}

	carriers := make(map[string]int)
	for _, seed := range kept {
		for unit := range s.seedCov[seed.ID] {
			carriers[unit]++
		}
	}

	promoted := 0
	for _, seed := range kept {
		if seed.IsGolden {
			continue
		}
		unique := 0
		for unit := range s.seedCov[seed.ID] {
			if carriers[unit] == 1 {
				unique++
			}
		}
		if (s.promoteCrashes > 0 && seed.CrashCount >= s.promoteCrashes) ||
			(s.promoteUniqueUnits > 0 && unique >= s.promoteUniqueUnits) {
			seed.IsGolden = true
			promoted++
		}
	}
	return promoted
}
