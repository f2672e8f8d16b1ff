package gla

import (
	"math/rand"
	"testing"
)

// The step-by-step mode and the chunked mode are two evaluations of the
// same recurrence and have to agree to float32 accumulation noise.
func TestRecurrentMatchesChunked(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := randParams(rng, 2, 70, 4, 2, 24, 20)
	p.InitialState = randUniform(rng, 2*2*24*20, -1, 1)
	dOut := randUniform(rng, 2*70*4*20, -1, 1)
	dFinal := randUniform(rng, 2*2*24*20, -1, 1)
	ref := refSequential(p, dOut, dFinal)

	chunked := newTestEngine(t, Config{Mode: ModeChunked})
	recurrent := newTestEngine(t, Config{Mode: ModeRecurrent})

	cres, err := chunked.Forward(p)
	if err != nil {
		t.Fatalf("chunked forward: %v", err)
	}
	rres, err := recurrent.Forward(p)
	if err != nil {
		t.Fatalf("recurrent forward: %v", err)
	}
	checkMatch(t, "output", rres.Output, cres.Output, 2e-3)
	checkMatch(t, "final state", rres.FinalState, cres.FinalState, 2e-3)
	checkRatio(t, "recurrent output", rres.Output, ref.out, 5e-3)
	checkRatio(t, "recurrent final state", rres.FinalState, ref.finalState, 5e-3)

	cgrads, err := chunked.Backward(cres, dOut, dFinal)
	if err != nil {
		t.Fatalf("chunked backward: %v", err)
	}
	rgrads, err := recurrent.Backward(rres, dOut, dFinal)
	if err != nil {
		t.Fatalf("recurrent backward: %v", err)
	}
	checkMatch(t, "dq", rgrads.DQ, cgrads.DQ, 2e-3)
	checkMatch(t, "dk", rgrads.DK, cgrads.DK, 2e-3)
	checkMatch(t, "dv", rgrads.DV, cgrads.DV, 2e-3)
	checkMatch(t, "dgate", rgrads.DGate, cgrads.DGate, 5e-3)
	checkMatch(t, "dh0", rgrads.DInitialState, cgrads.DInitialState, 2e-3)

	checkRatio(t, "recurrent dq", rgrads.DQ, ref.dq, 8e-3)
	checkRatio(t, "recurrent dk", rgrads.DK, ref.dk, 8e-3)
	checkRatio(t, "recurrent dv", rgrads.DV, ref.dv, 8e-3)
	checkRatio(t, "recurrent dgate", rgrads.DGate, ref.dg, 2e-2)
	checkRatio(t, "recurrent dh0", rgrads.DInitialState, ref.dh0, 8e-3)
}

func TestRecurrentVarlen(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	cu := []int32{0, 7, 40}
	p := randParams(rng, 1, 40, 4, 2, 16, 16)
	p.CuSeqlens = cu
	dOut := randUniform(rng, 40*4*16, -1, 1)

	chunked := newTestEngine(t, Config{Mode: ModeChunked})
	recurrent := newTestEngine(t, Config{Mode: ModeRecurrent})

	cres, err := chunked.Forward(p)
	if err != nil {
		t.Fatalf("chunked forward: %v", err)
	}
	rres, err := recurrent.Forward(p)
	if err != nil {
		t.Fatalf("recurrent forward: %v", err)
	}
	checkMatch(t, "output", rres.Output, cres.Output, 2e-3)
	checkMatch(t, "final state", rres.FinalState, cres.FinalState, 2e-3)

	cgrads, err := chunked.Backward(cres, dOut, nil)
	if err != nil {
		t.Fatalf("chunked backward: %v", err)
	}
	rgrads, err := recurrent.Backward(rres, dOut, nil)
	if err != nil {
		t.Fatalf("recurrent backward: %v", err)
	}
	checkMatch(t, "dq", rgrads.DQ, cgrads.DQ, 2e-3)
	checkMatch(t, "dk", rgrads.DK, cgrads.DK, 2e-3)
	checkMatch(t, "dv", rgrads.DV, cgrads.DV, 2e-3)
	checkMatch(t, "dgate", rgrads.DGate, cgrads.DGate, 5e-3)
}

// Backward dispatch keys off what the result retained, not the engine
// mode, so a recurrent result given to a chunked engine still resolves
// to the step-by-step gradient path.
func TestBackwardFollowsResult(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := randParams(rng, 1, 30, 2, 2, 8, 8)
	dOut := randUniform(rng, 30*2*8, -1, 1)

	recurrent := newTestEngine(t, Config{Mode: ModeRecurrent})
	chunked := newTestEngine(t, Config{Mode: ModeChunked})

	rres, err := recurrent.Forward(p)
	if err != nil {
		t.Fatalf("recurrent forward: %v", err)
	}
	want, err := recurrent.Backward(rres, dOut, nil)
	if err != nil {
		t.Fatalf("recurrent backward: %v", err)
	}
	got, err := chunked.Backward(rres, dOut, nil)
	if err != nil {
		t.Fatalf("cross-engine backward: %v", err)
	}
	for i := range want.DGate {
		if got.DGate[i] != want.DGate[i] {
			t.Fatalf("dgate[%d]: %v != %v", i, got.DGate[i], want.DGate[i])
		}
	}
}

func BenchmarkForwardRecurrent(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	p := randParams(rng, 1, 512, 8, 2, 64, 64)
	e, err := New(Config{Mode: ModeRecurrent})
	if err != nil {
		b.Fatalf("New: %v", err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := e.Forward(p); err != nil {
			b.Fatalf("forward: %v", err)
		}
	}
}
