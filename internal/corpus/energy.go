package corpus

import (
	"math"
	"time"
)

const (
	DefaultEnergy = 10.0
	minReward     = 1.0
)

// EnergyPolicy turns a seed's history into a scheduling priority.
// Implementations must not decrease with coverageScore or crashCount.
type EnergyPolicy interface {
	Initial() float64
	Energy(seed Seed, now time.Time) float64
}

// DefaultEnergyPolicy favours productive seeds and slowly decays seeds that have been
// executed many times without finding anything.
type DefaultEnergyPolicy struct {
	CoverageWeight float64
	CrashWeight    float64
	FreshWindow    time.Duration // seeds added within this window get a boost
}

func NewDefaultEnergyPolicy() *DefaultEnergyPolicy {
	return &DefaultEnergyPolicy{
		CoverageWeight: 2,
		CrashWeight:    5,
		FreshWindow:    10 * time.Minute,
	}
}

func (p *DefaultEnergyPolicy) Initial() float64 {
	return DefaultEnergy
}

func (p *DefaultEnergyPolicy) Energy(seed Seed, now time.Time) float64 {
	score := DefaultEnergy + p.CoverageWeight*seed.CoverageScore + p.CrashWeight*float64(seed.CrashCount)
	decay := 1 + math.Log1p(float64(seed.ExecutionCount))/4
	energy := score / decay
	if p.FreshWindow > 0 && now.Sub(seed.AddedAt) < p.FreshWindow {
		energy *= 1.25
	}
	return energy
}

// Band thresholds for corpus stats
type BandThresholds struct {
	Medium float64 // energy >= Medium is at least medium
	High   float64
}

func DefaultBandThresholds() BandThresholds {
	return BandThresholds{Medium: DefaultEnergy, High: 5 * DefaultEnergy}
}

func (b BandThresholds) classify(energy float64, bands *EnergyBands) {
	switch {
	case energy >= b.High:
		bands.High++
	case energy >= b.Medium:
		bands.Medium++
	default:
		bands.Low++
	}
}
