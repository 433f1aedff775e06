package memory

import (
	"math"
	"time"

	"fractalmem/internal/memtypes"
)

// Per-tier half-lives for the exponential decay kernel. Higher tiers
// hold more distilled knowledge and forget more slowly.
var tierHalfLife = map[memtypes.Level]time.Duration{
	memtypes.LevelL0: 24 * time.Hour,
	memtypes.LevelL1: 7 * 24 * time.Hour,
	memtypes.LevelL2: 30 * 24 * time.Hour,
	memtypes.LevelL3: 90 * 24 * time.Hour,
}

// DecayedImportance applies the tier's exponential kernel to a stored
// importance, boosted by access frequency:
//
//	score = importance × exp(-rate × age) × (1 + log1p(access) × 0.1)
//
// with rate = ln2 / half-life, clamped to [0,1]. Frequently recalled
// memories therefore outlive untouched ones of equal base importance.
func DecayedImportance(importance float64, level memtypes.Level, age time.Duration, accessCount int64) float64 {
	halfLife, ok := tierHalfLife[level]
	if !ok {
		halfLife = tierHalfLife[memtypes.LevelL2]
	}
	if age < 0 {
		age = 0
	}
	rate := math.Ln2 / halfLife.Minutes()
	score := importance * math.Exp(-rate*age.Minutes())
	score *= 1 + math.Log1p(float64(accessCount))*0.1
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
