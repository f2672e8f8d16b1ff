package gla

// forwardRecurrent scans timesteps strictly in order, one pooled unit per
// (sequence, kv head):
//
//	S[t] = diag(exp(g[t])) S[t-1] + k[t]^T v[t]
//	o[t] = scale * q[t] @ S[t]
//
// This is the ground truth the chunked engine must match.
func (e *Engine) forwardRecurrent(p ForwardParams, idx *chunkIndex) (*ForwardResult, error) {
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	G := HQ / H
	scale := p.resolveScale()

	res := &ForwardResult{
		Output: make([]float32, idx.rows*HQ*V),
		params: p,
		scale:  scale,
		idx:    idx,
	}
	if p.OutputFinalState {
		res.FinalState = make([]float32, idx.numSeqs()*H*K*V)
	}

	pool := newKernelPool(workersFor(idx.numSeqs()*H, e.workers))
	defer pool.close()

	pool.run(idx.numSeqs()*H, func(lo, hi int) {
		S := make([]float32, K*V)
		for u := lo; u < hi; u++ {
			n, h := u/H, u%H
			if p.InitialState != nil {
				copy(S, p.InitialState[(n*H+h)*K*V:(n*H+h+1)*K*V])
			} else {
				for i := range S {
					S[i] = 0
				}
			}
			bos, T := idx.seqBos[n], idx.seqLen[n]
			for t := 0; t < T; t++ {
				r := bos + t
				goff := (r*H + h) * K
				vrow := p.V[(r*H+h)*V : (r*H+h+1)*V]
				for c := 0; c < K; c++ {
					d := expf(p.Gate[goff+c])
					kv := p.K[goff+c]
					srow := S[c*V : (c+1)*V]
					for cv := range srow {
						srow[cv] = srow[cv]*d + kv*vrow[cv]
					}
				}
				for g := 0; g < G; g++ {
					hq := h*G + g
					qrow := p.Q[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					orow := res.Output[(r*HQ+hq)*V : (r*HQ+hq+1)*V]
					for c, qv := range qrow {
						f := qv * scale
						srow := S[c*V : (c+1)*V]
						for cv := range srow {
							orow[cv] += f * srow[cv]
						}
					}
				}
			}
			if p.OutputFinalState {
				copy(res.FinalState[(n*H+h)*K*V:(n*H+h+1)*K*V], S)
			}
		}
	})
	return res, nil
}

// backwardRecurrent runs three scans per (sequence, kv head) unit and
// needs no per-step state history:
//
//  1. forward, rebuilding S incrementally: dq[t] = scale * do[t] @ S[t]^T
//  2. reverse, carrying the state gradient dS:
//     dS += scale * q[t]^T do[t] over the group, then
//     dk[t] = v[t] @ dS^T, dv[t] = k[t] @ dS, then dS scaled by exp(g[t])
//  3. reverse again for the gate: g[t] scales the state at every later
//     step, so dg[t] is the suffix sum from t of (dq.q over the group
//     minus dk.k), plus the per-channel dot of dFinalState with the
//     final state.
func (e *Engine) backwardRecurrent(res *ForwardResult, dOut, dFinalState []float32) (*Gradients, error) {
	p := &res.params
	idx := res.idx
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	G := HQ / H
	scale := res.scale

	grads := &Gradients{
		DQ:    make([]float32, idx.rows*HQ*K),
		DK:    make([]float32, idx.rows*H*K),
		DV:    make([]float32, idx.rows*H*V),
		DGate: make([]float32, idx.rows*H*K),
	}
	if p.InitialState != nil {
		grads.DInitialState = make([]float32, idx.numSeqs()*H*K*V)
	}

	pool := newKernelPool(workersFor(idx.numSeqs()*H, e.workers))
	defer pool.close()

	pool.run(idx.numSeqs()*H, func(lo, hi int) {
		S := make([]float32, K*V)
		dS := make([]float32, K*V)
		carry := make([]float32, K)
		srow := make([]float32, K)
		for u := lo; u < hi; u++ {
			n, h := u/H, u%H
			bos, T := idx.seqBos[n], idx.seqLen[n]

			if p.InitialState != nil {
				copy(S, p.InitialState[(n*H+h)*K*V:(n*H+h+1)*K*V])
			} else {
				for i := range S {
					S[i] = 0
				}
			}
			for t := 0; t < T; t++ {
				r := bos + t
				goff := (r*H + h) * K
				vrow := p.V[(r*H+h)*V : (r*H+h+1)*V]
				for c := 0; c < K; c++ {
					d := expf(p.Gate[goff+c])
					kv := p.K[goff+c]
					row := S[c*V : (c+1)*V]
					for cv := range row {
						row[cv] = row[cv]*d + kv*vrow[cv]
					}
				}
				for g := 0; g < G; g++ {
					hq := h*G + g
					dorow := dOut[(r*HQ+hq)*V : (r*HQ+hq+1)*V]
					dqrow := grads.DQ[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					for c := 0; c < K; c++ {
						row := S[c*V : (c+1)*V]
						var s float32
						for cv, dv := range dorow {
							s += dv * row[cv]
						}
						dqrow[c] = s * scale
					}
				}
			}

			if dFinalState != nil {
				copy(dS, dFinalState[(n*H+h)*K*V:(n*H+h+1)*K*V])
			} else {
				for i := range dS {
					dS[i] = 0
				}
			}
			for t := T - 1; t >= 0; t-- {
				r := bos + t
				goff := (r*H + h) * K
				for g := 0; g < G; g++ {
					hq := h*G + g
					qrow := p.Q[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					dorow := dOut[(r*HQ+hq)*V : (r*HQ+hq+1)*V]
					for c, qv := range qrow {
						f := qv * scale
						row := dS[c*V : (c+1)*V]
						for cv, dv := range dorow {
							row[cv] += f * dv
						}
					}
				}
				vrow := p.V[(r*H+h)*V : (r*H+h+1)*V]
				dvrow := grads.DV[(r*H+h)*V : (r*H+h+1)*V]
				dkrow := grads.DK[goff : goff+K]
				for c := 0; c < K; c++ {
					row := dS[c*V : (c+1)*V]
					var s float32
					for cv, vv := range vrow {
						s += vv * row[cv]
					}
					dkrow[c] = s
					kv := p.K[goff+c]
					for cv := range row {
						dvrow[cv] += kv * row[cv]
					}
				}
				for c := 0; c < K; c++ {
					d := expf(p.Gate[goff+c])
					row := dS[c*V : (c+1)*V]
					for cv := range row {
						row[cv] *= d
					}
				}
			}
			if grads.DInitialState != nil {
				copy(grads.DInitialState[(n*H+h)*K*V:(n*H+h+1)*K*V], dS)
			}

			for c := range carry {
				carry[c] = 0
			}
			if dFinalState != nil {
				dht := dFinalState[(n*H+h)*K*V : (n*H+h+1)*K*V]
				for c := 0; c < K; c++ {
					var s float32
					for cv := c * V; cv < (c+1)*V; cv++ {
						s += dht[cv] * S[cv]
					}
					carry[c] = s
				}
			}
			for t := T - 1; t >= 0; t-- {
				r := bos + t
				goff := (r*H + h) * K
				dkrow := grads.DK[goff : goff+K]
				krow := p.K[goff : goff+K]
				for c := 0; c < K; c++ {
					srow[c] = -dkrow[c] * krow[c]
				}
				for g := 0; g < G; g++ {
					hq := h*G + g
					dqrow := grads.DQ[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					qrow := p.Q[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					for c := 0; c < K; c++ {
						srow[c] += dqrow[c] * qrow[c]
					}
				}
				dgrow := grads.DGate[goff : goff+K]
				for c := 0; c < K; c++ {
					carry[c] += srow[c]
					dgrow[c] = carry[c]
				}
			}
		}
	})
	return grads, nil
}
