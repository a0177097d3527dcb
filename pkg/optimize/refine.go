package optimize

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/semafield/semafield/pkg/core"
)

// refineLocked runs one refinement pass: densify primitives under high
// reconstruction pressure, prune transparent, oversized and stale ones,
// clamp anisotropy and periodically knock opacities back down so culling
// stays effective. Caller holds the scene write lock.
func (l *Loop) refineLocked(step uint64) {
	n := l.refines.Add(1)

	l.densifyLocked(step)
	l.pruneLocked(step)
	l.clampAnisotropyLocked()
	if l.cfg.ResetAlphaEvery > 0 && n%uint64(l.cfg.ResetAlphaEvery) == 0 {
		l.resetAlphaLocked()
	}

	clear(l.refineAcc)
}

// densifyLocked splits or duplicates primitives whose average screen
// gradient since the last refine exceeds the threshold. Large ones split
// into shrunken children scattered inside the parent footprint, small
// ones duplicate in place, both inheriting the parent's bundle so the
// language field survives densification.
func (l *Loop) densifyLocked(step uint64) {
	ids := make([]uint32, 0, len(l.refineAcc))
	for id, acc := range l.refineAcc {
		if acc.seen == 0 {
			continue
		}
		if acc.gradSum/float64(acc.seen) >= l.cfg.DensifyGradThresh {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if l.scene.LenUnlocked() >= l.cfg.MaxPrimitives {
			return
		}
		p, ok := l.scene.GetUnlocked(id)
		if !ok {
			continue
		}
		if p.MaxScale() > l.cfg.DensifySizeThresh {
			l.splitLocked(p, step)
		} else {
			l.duplicateLocked(p, step)
		}
	}
}

// splitLocked replaces one oversized primitive with SplitSamples smaller
// copies sampled inside the parent's footprint.
func (l *Loop) splitLocked(p *core.Primitive, step uint64) {
	ws := p.WorldScale()
	shrink := math.Log(l.cfg.SplitShrink)
	l.scene.RemoveUnlocked(p.ID)
	for i := 0; i < l.cfg.SplitSamples; i++ {
		if l.scene.LenUnlocked() >= l.cfg.MaxPrimitives {
			return
		}
		eps := r3.Vec{
			X: l.rng.NormFloat64() * ws.X,
			Y: l.rng.NormFloat64() * ws.Y,
			Z: l.rng.NormFloat64() * ws.Z,
		}
		child := &core.Primitive{
			Center: r3.Add(p.Center, r3.Rotation(p.Rotation).Rotate(eps)),
			LogScale: r3.Vec{
				X: p.LogScale.X - shrink,
				Y: p.LogScale.Y - shrink,
				Z: p.LogScale.Z - shrink,
			},
			Rotation:     p.Rotation,
			Opacity:      p.Opacity,
			Color:        p.Color,
			SHRest:       append([]float32(nil), p.SHRest...),
			Bundle:       p.Bundle.Clone(),
			CreatedStep:  step,
			LastSeenStep: step,
		}
		l.perturbBundle(&child.Bundle)
		l.scene.InsertUnlocked(child)
	}
}

// duplicateLocked clones a small high-gradient primitive with a slight
// positional jitter so the pair can drift apart under optimization.
func (l *Loop) duplicateLocked(p *core.Primitive, step uint64) {
	ws := p.WorldScale()
	const jitter = 0.1
	clone := &core.Primitive{
		Center: r3.Add(p.Center, r3.Vec{
			X: l.rng.NormFloat64() * ws.X * jitter,
			Y: l.rng.NormFloat64() * ws.Y * jitter,
			Z: l.rng.NormFloat64() * ws.Z * jitter,
		}),
		LogScale:     p.LogScale,
		Rotation:     p.Rotation,
		Opacity:      p.Opacity,
		Color:        p.Color,
		SHRest:       append([]float32(nil), p.SHRest...),
		Bundle:       p.Bundle.Clone(),
		CreatedStep:  step,
		LastSeenStep: step,
	}
	l.perturbBundle(&clone.Bundle)
	l.scene.InsertUnlocked(clone)
}

// perturbBundle adds Gaussian noise to a densified child's bundle
// vectors and scale weight. Inherited bundles stay close to the parent
// but never identical across siblings.
func (l *Loop) perturbBundle(b *core.EmbeddingBundle) {
	sigma := l.cfg.SplitBundleJitter
	if sigma <= 0 {
		return
	}
	for _, vec := range b.Vectors {
		for i := range vec {
			vec[i] += float32(l.rng.NormFloat64() * sigma)
		}
	}
	b.ScaleWeight += float32(l.rng.NormFloat64() * sigma)
}

// pruneLocked removes primitives that are nearly transparent, grew past
// the world-size cap, or have gone unsupervised for StaleAge steps.
func (l *Loop) pruneLocked(step uint64) {
	var doomed []uint32
	l.scene.ForEachUnlocked(func(p *core.Primitive) {
		if float64(p.Alpha()) < l.cfg.CullOpacity || p.MaxScale() > l.cfg.CullScale {
			doomed = append(doomed, p.ID)
		}
	})
	for _, id := range doomed {
		l.scene.RemoveUnlocked(id)
	}
	if l.cfg.StaleAge > 0 && step > l.cfg.StaleAge {
		for _, id := range l.scene.StaleBeforeUnlocked(step-l.cfg.StaleAge, 0) {
			l.scene.RemoveUnlocked(id)
		}
	}
}

// clampAnisotropyLocked raises any axis more than MaxAnisotropy below
// the largest one. Needle-shaped primitives render as popping artifacts
// and destabilize the positional gradients.
func (l *Loop) clampAnisotropyLocked() {
	if l.cfg.MaxAnisotropy <= 0 {
		return
	}
	floorGap := math.Log(l.cfg.MaxAnisotropy)
	l.scene.ForEachUnlocked(func(p *core.Primitive) {
		lmax := math.Max(p.LogScale.X, math.Max(p.LogScale.Y, p.LogScale.Z))
		lo := lmax - floorGap
		if p.LogScale.X < lo {
			p.LogScale.X = lo
		}
		if p.LogScale.Y < lo {
			p.LogScale.Y = lo
		}
		if p.LogScale.Z < lo {
			p.LogScale.Z = lo
		}
	})
}

// resetAlphaLocked caps every opacity at ResetAlphaTo. Without the
// periodic reset opacities saturate and the transparency cull never
// fires again.
func (l *Loop) resetAlphaLocked() {
	to := float32(l.cfg.ResetAlphaTo)
	l.scene.ForEachUnlocked(func(p *core.Primitive) {
		if p.Alpha() > to {
			p.SetAlpha(to)
		}
	})
}
