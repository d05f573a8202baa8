package scheduler

import (
	"math/rand/v2"

	"fuzzcore/internal/session"
)

// We are going to score the sessions based on many factors
// Each factor implements a Score() method
// The Score() method returns scores for the sessions based on the factor
type factor interface {
	Score(sessions []session.Info) []float64
}

type picker struct {
	weightedFactors map[factor]float64
	rng             *rand.Rand
}

func NewPicker(rng *rand.Rand) *picker {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	weightedFactors := make(map[factor]float64)
	weightedFactors[&EnergyFactor{}] = 1.0
	weightedFactors[&ExplorationFactor{}] = 1.0
	weightedFactors[&LanguageFactor{}] = 0.5

	return &picker{weightedFactors, rng}
}

// pick samples up to n distinct sessions, without replacement, proportionally to their
// combined scores
func (p *picker) pick(sessions []session.Info, n int) []session.Info {
	if n >= len(sessions) {
		return sessions
	}
	finalScores := make([]float64, len(sessions))
	for f, weight := range p.weightedFactors {
		for i, score := range balance(f.Score(sessions)) {
			finalScores[i] += score * weight
		}
	}

	remaining := make([]int, len(sessions))
	for i := range remaining {
		remaining[i] = i
	}
	picked := make([]session.Info, 0, n)
	for len(picked) < n {
		scores := make([]float64, len(remaining))
		for i, idx := range remaining {
			scores[i] = finalScores[idx]
		}
		// Sample a random number between 0 and 1
		// Then pick a session based on the normalized scores
		choice := len(remaining) - 1
		randomNum := p.rng.Float64()
		cumulativeScore := 0.0
		for i, score := range balance(scores) {
			cumulativeScore += score
			if randomNum <= cumulativeScore {
				choice = i
				break
			}
		}
		picked = append(picked, sessions[remaining[choice]])
		remaining = append(remaining[:choice], remaining[choice+1:]...)
	}
	return picked
}

// a helper function to return a group of balanced score; all zero scores balance to
// a uniform distribution
func balance(ubScore []float64) []float64 {
	balancedScore := make([]float64, len(ubScore))
	sum := 0.0
	for _, score := range ubScore {
		sum += score
	}
	for idx, score := range ubScore {
		if sum <= 0 {
			balancedScore[idx] = 1 / float64(len(ubScore))
			continue
		}
		balancedScore[idx] = score / sum
	}
	return balancedScore
}
