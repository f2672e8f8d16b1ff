package gla

// Backward computes gradients with respect to every forward input from a
// retained forward result. dOut is shaped like the output; dFinalState,
// when non-nil, is the [N, KVHeads, KeyDim, ValDim] gradient flowing into
// the final state. The result's snapshots stay valid, so Backward may run
// more than once on the same result.
func (e *Engine) Backward(res *ForwardResult, dOut, dFinalState []float32) (*Gradients, error) {
	if err := validateBackward(res, dOut, dFinalState); err != nil {
		return nil, err
	}
	if res.snapshots == nil {
		return e.backwardRecurrent(res, dOut, dFinalState)
	}
	return e.backwardChunked(res, dOut, dFinalState)
}

func (e *Engine) backwardChunked(res *ForwardResult, dOut, dFinalState []float32) (*Gradients, error) {
	p := &res.params
	idx := res.idx
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	rows, nc := idx.rows, idx.numChunks()

	grads := &Gradients{
		DQ:    make([]float32, rows*HQ*K),
		DK:    make([]float32, rows*H*K),
		DV:    make([]float32, rows*H*V),
		DGate: make([]float32, rows*H*K),
	}
	if p.InitialState != nil {
		grads.DInitialState = make([]float32, idx.numSeqs()*H*K*V)
	}

	// Inter-chunk partials, folded into DQ/DK by the combiner.
	dqInter := make([]float32, rows*HQ*K)
	dkInter := make([]float32, rows*H*K)

	passUnits := idx.numSeqs() * H
	if u := nc * H; u > passUnits {
		passUnits = u
	}
	pool := newKernelPool(workersFor(passUnits, e.workers))
	defer pool.close()

	e.passStateGrad(pool, res, grads, dOut, dFinalState, dqInter, dkInter)
	e.passIntraGrad(pool, res, grads, dOut)
	e.passCombine(pool, res, grads, dqInter, dkInter)
	e.passRedistribute(pool, res, grads, dFinalState)
	return grads, nil
}

// passStateGrad handles both inter-chunk directions for one
// (sequence, kv head) unit. The forward walk reads the retained pre-chunk
// snapshots:
//
//	dqInter[t] = scale * do[t] @ snapshot^T
//
// The reverse walk carries the state gradient dS, seeded from
// dFinalState, emitting the inter parts of dk/dv before advancing it:
//
//	dkInter[t] = v[t] @ dS^T
//	dv[t]     += kg[t] @ dS
//	dS         = diag(exp(total)) dS + sum over the group of qg^T @ do
//
// After the earliest chunk dS is the initial-state gradient.
func (e *Engine) passStateGrad(pool *kernelPool, res *ForwardResult, grads *Gradients, dOut, dFinalState, dqInter, dkInter []float32) {
	p := &res.params
	idx := res.idx
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	G := HQ / H
	scale := res.scale

	pool.run(idx.numSeqs()*H, func(lo, hi int) {
		dS := make([]float32, K*V)
		for u := lo; u < hi; u++ {
			n, h := u/H, u%H
			clo, chi := idx.seqChunks(n)

			for ci := clo; ci < chi; ci++ {
				ch := idx.chunks[ci]
				snap := res.snapshots[(ci*H+h)*K*V : (ci*H+h+1)*K*V]
				for i := 0; i < ch.length; i++ {
					r := ch.bos + i
					for g := 0; g < G; g++ {
						hq := h*G + g
						dorow := dOut[(r*HQ+hq)*V : (r*HQ+hq+1)*V]
						dqrow := dqInter[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
						for c := 0; c < K; c++ {
							srow := snap[c*V : (c+1)*V]
							var s float32
							for cv, dv := range dorow {
								s += dv * srow[cv]
							}
							dqrow[c] = s * scale
						}
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
			for ci := chi - 1; ci >= clo; ci-- {
				ch := idx.chunks[ci]
				for i := 0; i < ch.length; i++ {
					r := ch.bos + i
					vrow := p.V[(r*H+h)*V : (r*H+h+1)*V]
					krow := res.kg.rows[(r*H+h)*K : (r*H+h+1)*K]
					dkrow := dkInter[(r*H+h)*K : (r*H+h+1)*K]
					dvrow := grads.DV[(r*H+h)*V : (r*H+h+1)*V]
					for c := 0; c < K; c++ {
						srow := dS[c*V : (c+1)*V]
						var s float32
						for cv, vv := range vrow {
							s += vv * srow[cv]
						}
						dkrow[c] = s
						kv := krow[c]
						for cv := range srow {
							dvrow[cv] += kv * srow[cv]
						}
					}
				}
				gn := res.gn[(ci*H+h)*K : (ci*H+h+1)*K]
				for c := 0; c < K; c++ {
					d := expf(gn[c])
					srow := dS[c*V : (c+1)*V]
					for cv := range srow {
						srow[cv] *= d
					}
				}
				for i := 0; i < ch.length; i++ {
					r := ch.bos + i
					for g := 0; g < G; g++ {
						hq := h*G + g
						qrow := res.qg.rows[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
						dorow := dOut[(r*HQ+hq)*V : (r*HQ+hq+1)*V]
						for c, qv := range qrow {
							srow := dS[c*V : (c+1)*V]
							for cv, dv := range dorow {
								srow[cv] += qv * dv
							}
						}
					}
				}
			}
			if grads.DInitialState != nil {
				copy(grads.DInitialState[(n*H+h)*K*V:(n*H+h+1)*K*V], dS)
			}
		}
	})
}

// passIntraGrad differentiates the causal interaction of each chunk, one
// unit per (chunk, kv head). Per query head of the group, over the causal
// pairs j <= i:
//
//	dA[i,j] = scale * do[i] . v[j]
//	dv[j]  += A[i,j] * do[i]
//	dq[i]  += dA[i,j] * exp(gcum[i]-gcum[j]) * k[j]
//	dk[j]  += dA[i,j] * exp(gcum[i]-gcum[j]) * q[i]
//
// dq and dk land against the raw projections; the decayed ones belong to
// the inter path only.
func (e *Engine) passIntraGrad(pool *kernelPool, res *ForwardResult, grads *Gradients, dOut []float32) {
	p := &res.params
	idx := res.idx
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	G := HQ / H
	BT := idx.chunkLen
	scale := res.scale

	pool.run(idx.numChunks()*H, func(lo, hi int) {
		dA := make([]float32, BT*BT)
		for u := lo; u < hi; u++ {
			ci, h := u/H, u%H
			ch := idx.chunks[ci]
			for g := 0; g < G; g++ {
				hq := h*G + g
				abase := (ci*HQ + hq) * BT * BT

				for i := 0; i < ch.length; i++ {
					dorow := dOut[((ch.bos+i)*HQ+hq)*V : ((ch.bos+i)*HQ+hq+1)*V]
					for j := 0; j <= i; j++ {
						vrow := p.V[((ch.bos+j)*H+h)*V : ((ch.bos+j)*H+h+1)*V]
						var s float32
						for cv, vv := range vrow {
							s += dorow[cv] * vv
						}
						dA[i*BT+j] = s * scale
					}
				}

				for j := 0; j < ch.length; j++ {
					dvrow := grads.DV[((ch.bos+j)*H+h)*V : ((ch.bos+j)*H+h+1)*V]
					for i := j; i < ch.length; i++ {
						a := res.amat[abase+i*BT+j]
						dorow := dOut[((ch.bos+i)*HQ+hq)*V : ((ch.bos+i)*HQ+hq+1)*V]
						for cv, dv := range dorow {
							dvrow[cv] += a * dv
						}
					}
				}

				for i := 0; i < ch.length; i++ {
					qrow := p.Q[((ch.bos+i)*HQ+hq)*K : ((ch.bos+i)*HQ+hq+1)*K]
					dqrow := grads.DQ[((ch.bos+i)*HQ+hq)*K : ((ch.bos+i)*HQ+hq+1)*K]
					gqoff := ((ch.bos+i)*H + h) * K
					for j := 0; j <= i; j++ {
						a := dA[i*BT+j]
						koff := ((ch.bos+j)*H + h) * K
						krow := p.K[koff : koff+K]
						dkrow := grads.DK[koff : koff+K]
						for c := 0; c < K; c++ {
							w := a * safeExp(res.gcum[gqoff+c]-res.gcum[koff+c])
							dqrow[c] += w * krow[c]
							dkrow[c] += w * qrow[c]
						}
					}
				}
			}
		}
	})
}

// passCombine folds the decay factors into the inter partials and takes
// the within-chunk part of the gate gradient, one unit per
// (chunk, kv head): walking the chunk bottom-up,
//
//	dq[t] += dqInter[t] * exp(gcum[t])
//	dk[t] += dkInter[t] * exp(total-gcum[t])
//	dg[t]  = suffix sum from t of (dq.q summed over the group - dk.k)
//
// leaving each chunk's first row holding the whole chunk's total.
func (e *Engine) passCombine(pool *kernelPool, res *ForwardResult, grads *Gradients, dqInter, dkInter []float32) {
	p := &res.params
	idx := res.idx
	H, HQ, K := p.KVHeads, p.QHeads, p.KeyDim
	G := HQ / H

	pool.run(idx.numChunks()*H, func(lo, hi int) {
		cum := make([]float32, K)
		srow := make([]float32, K)
		for u := lo; u < hi; u++ {
			ci, h := u/H, u%H
			ch := idx.chunks[ci]
			gn := res.gn[(ci*H+h)*K : (ci*H+h+1)*K]
			for c := range cum {
				cum[c] = 0
			}
			for i := ch.length - 1; i >= 0; i-- {
				r := ch.bos + i
				goff := (r*H + h) * K
				for g := 0; g < G; g++ {
					hq := h*G + g
					dqrow := grads.DQ[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					dqirow := dqInter[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
					for c := 0; c < K; c++ {
						dqrow[c] += dqirow[c] * expf(res.gcum[goff+c])
					}
				}
				dkrow := grads.DK[goff : goff+K]
				dkirow := dkInter[goff : goff+K]
				krow := p.K[goff : goff+K]
				for c := 0; c < K; c++ {
					dkrow[c] += dkirow[c] * safeExp(gn[c]-res.gcum[goff+c])
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
					cum[c] += srow[c]
					dgrow[c] = cum[c]
				}
			}
		}
	})
}

// passRedistribute adds the cross-chunk part of the gate gradient, one
// unit per (sequence, kv head): the chunk totals left by the combiner are
// reverse-exclusive-cumsummed across the sequence's chunks and the result
// added to every position of the chunk. A final-state gradient enters as
// the carry seed, the per-channel dot of dFinalState with the final
// state, which is the gate's constant leverage on everything past the
// last position.
func (e *Engine) passRedistribute(pool *kernelPool, res *ForwardResult, grads *Gradients, dFinalState []float32) {
	p := &res.params
	idx := res.idx
	H, K, V := p.KVHeads, p.KeyDim, p.ValDim
	maxNT := idx.maxSeqChunks()

	pool.run(idx.numSeqs()*H, func(lo, hi int) {
		totals := make([]float32, maxNT*K)
		carry := make([]float32, K)
		var st []float32
		if dFinalState != nil && res.FinalState == nil {
			st = make([]float32, K*V)
		}
		for u := lo; u < hi; u++ {
			n, h := u/H, u%H
			clo, chi := idx.seqChunks(n)
			nt := chi - clo

			for c := range carry {
				carry[c] = 0
			}
			if dFinalState != nil {
				fin := res.FinalState
				if fin != nil {
					fin = fin[(n*H+h)*K*V : (n*H+h+1)*K*V]
				} else {
					rollFinalState(st, res, n, h)
					fin = st
				}
				dht := dFinalState[(n*H+h)*K*V : (n*H+h+1)*K*V]
				for c := 0; c < K; c++ {
					var s float32
					for cv := c * V; cv < (c+1)*V; cv++ {
						s += dht[cv] * fin[cv]
					}
					carry[c] = s
				}
			}

			for ci := clo; ci < chi; ci++ {
				boff := (idx.chunks[ci].bos*H + h) * K
				copy(totals[(ci-clo)*K:(ci-clo+1)*K], grads.DGate[boff:boff+K])
			}
			revExclusiveSum(totals, nt, K, carry)
			for ci := clo; ci < chi; ci++ {
				ch := idx.chunks[ci]
				add := totals[(ci-clo)*K : (ci-clo+1)*K]
				for i := 0; i < ch.length; i++ {
					dgrow := grads.DGate[((ch.bos+i)*H+h)*K : ((ch.bos+i)*H+h+1)*K]
					for c := 0; c < K; c++ {
						dgrow[c] += add[c]
					}
				}
			}
		}
	})
}

// rollFinalState rebuilds the final state of one (sequence, kv head) from
// the last retained snapshot, for results whose forward pass did not
// request the final state.
func rollFinalState(dst []float32, res *ForwardResult, n, h int) {
	p := &res.params
	idx := res.idx
	H, K, V := p.KVHeads, p.KeyDim, p.ValDim
	_, chi := idx.seqChunks(n)
	ci := chi - 1
	ch := idx.chunks[ci]

	copy(dst, res.snapshots[(ci*H+h)*K*V:(ci*H+h+1)*K*V])
	gn := res.gn[(ci*H+h)*K : (ci*H+h+1)*K]
	for c := 0; c < K; c++ {
		d := expf(gn[c])
		row := dst[c*V : (c+1)*V]
		for cv := range row {
			row[cv] *= d
		}
	}
	for i := 0; i < ch.length; i++ {
		r := ch.bos + i
		krow := res.kg.rows[(r*H+h)*K : (r*H+h+1)*K]
		vrow := p.V[(r*H+h)*V : (r*H+h+1)*V]
		for c, kv := range krow {
			row := dst[c*V : (c+1)*V]
			for cv, vv := range vrow {
				row[cv] += kv * vv
			}
		}
	}
}
