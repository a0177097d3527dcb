package optimize

import "math"

// LifelongPolicy damps the language-field learning rate by how often a
// primitive has been supervised: well-observed primitives resist noisy
// single-view evidence, fresh primitives adapt quickly. Geometry and
// appearance are not damped; only the embedding bundle and its scale
// weight go through this schedule.
type LifelongPolicy struct {
	Base  float64
	Decay float64
	Floor float64
}

// EffectiveLR returns base * exp(-decay * obsCount), floored so a
// long-lived primitive still tracks slow scene change instead of
// freezing entirely.
func (p LifelongPolicy) EffectiveLR(obsCount uint32) float64 {
	lr := p.Base * math.Exp(-p.Decay*float64(obsCount))
	if lr < p.Floor {
		return p.Floor
	}
	return lr
}
