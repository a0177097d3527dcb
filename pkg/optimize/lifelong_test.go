package optimize

import (
	"math"
	"testing"
)

func TestEffectiveLRDecaysWithObservations(t *testing.T) {
	p := LifelongPolicy{Base: 0.1, Decay: 0.5, Floor: 0.001}

	if got := p.EffectiveLR(0); got != 0.1 {
		t.Errorf("EffectiveLR(0) = %v, want base 0.1", got)
	}
	if got, want := p.EffectiveLR(1), 0.1*math.Exp(-0.5); math.Abs(got-want) > 1e-12 {
		t.Errorf("EffectiveLR(1) = %v, want %v", got, want)
	}

	// A revisited primitive always moves strictly less than it did the
	// time before, until the floor.
	prev := p.EffectiveLR(0)
	for obs := uint32(1); obs <= 12; obs++ {
		lr := p.EffectiveLR(obs)
		if lr > prev {
			t.Fatalf("EffectiveLR(%d) = %v rose above EffectiveLR(%d) = %v", obs, lr, obs-1, prev)
		}
		if prev > p.Floor && lr >= prev {
			t.Fatalf("EffectiveLR(%d) = %v did not strictly decrease from %v", obs, lr, prev)
		}
		prev = lr
	}
}

func TestEffectiveLRFloor(t *testing.T) {
	p := LifelongPolicy{Base: 0.1, Decay: 0.5, Floor: 0.001}

	if got := p.EffectiveLR(1000); got != p.Floor {
		t.Errorf("EffectiveLR(1000) = %v, want floor %v", got, p.Floor)
	}
	for obs := uint32(0); obs < 2000; obs += 100 {
		if lr := p.EffectiveLR(obs); lr < p.Floor {
			t.Fatalf("EffectiveLR(%d) = %v fell below the floor %v", obs, lr, p.Floor)
		}
	}
}
