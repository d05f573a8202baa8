package scheduler

import (
	"fuzzcore/internal/session"
)

// EnergyFactor favors sessions whose seeds still have energy, ie keep finding coverage
// or crashes
type EnergyFactor struct{}

func (ef *EnergyFactor) Score(sessions []session.Info) []float64 {
	score := make([]float64, len(sessions))
	for idx, s := range sessions {
		score[idx] = s.AvgEnergy
		if s.Seeds == 0 {
			// the runner starts from an empty input
			score[idx] = 1
		}
	}
	return score
}

// ExplorationFactor favors sessions that have run the least
type ExplorationFactor struct{}

func (xf *ExplorationFactor) Score(sessions []session.Info) []float64 {
	score := make([]float64, len(sessions))
	for idx, s := range sessions {
		score[idx] = 1 / (1 + float64(s.Executions)/10000)
	}
	return score
}

// LanguageFactor takes the language into account
// Some languages have many more targets than others, but we assume
// bugs are balanced across languages
type LanguageFactor struct{}

func (lf *LanguageFactor) Score(sessions []session.Info) []float64 {
	byLanguage := make(map[string]int)
	for _, s := range sessions {
		byLanguage[s.Language]++
	}
	score := make([]float64, len(sessions))
	for idx, s := range sessions {
		score[idx] = 1 / float64(byLanguage[s.Language])
	}
	return score
}
