package gla

// Forward evaluates the gated recurrence over one call. The returned
// result is equivalent, within float32 tolerance, to the sequential
// per-timestep recurrence
//
//	S[t] = diag(exp(g[t])) S[t-1] + k[t]^T v[t]
//	o[t] = scale * q[t] @ S[t]
//
// regardless of mode and chunk length.
func (e *Engine) Forward(p ForwardParams) (*ForwardResult, error) {
	idx, err := e.validateForward(&p)
	if err != nil {
		return nil, err
	}
	if e.mode == ModeRecurrent {
		return e.forwardRecurrent(p, idx)
	}
	return e.forwardChunked(p, idx)
}

func (e *Engine) forwardChunked(p ForwardParams, idx *chunkIndex) (*ForwardResult, error) {
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	BT, BV := idx.chunkLen, e.tiles.valBlock
	rows, nc := idx.rows, idx.numChunks()
	scale := p.resolveScale()

	res := &ForwardResult{
		Output:    make([]float32, rows*HQ*V),
		params:    p,
		scale:     scale,
		idx:       idx,
		gcum:      make([]float32, rows*H*K),
		gn:        make([]float32, nc*H*K),
		qg:        decayedQ{rows: make([]float32, rows*HQ*K)},
		kg:        decayedK{rows: make([]float32, rows*H*K)},
		snapshots: make([]float32, nc*H*K*V),
		amat:      make([]float32, nc*HQ*BT*BT),
	}
	if p.OutputFinalState {
		res.FinalState = make([]float32, idx.numSeqs()*H*K*V)
	}

	nv := (V + BV - 1) / BV
	passUnits := nc * H
	if u := idx.numSeqs() * H * nv; u > passUnits {
		passUnits = u
	}
	if u := nc * HQ; u > passUnits {
		passUnits = u
	}
	pool := newKernelPool(workersFor(passUnits, e.workers))
	defer pool.close()

	e.prepareDecayed(pool, &p, idx, res)
	e.passState(pool, &p, idx, res, nv)
	e.passIntra(pool, &p, idx, res)
	return res, nil
}

// prepareDecayed computes the chunk-local gate cumsum with chunk totals
// and materializes the decayed projections, one unit per (chunk, kv head):
//
//	qg[t] = q[t] * exp(gcum[t]) * scale
//	kg[t] = k[t] * exp(total-gcum[t])
func (e *Engine) prepareDecayed(pool *kernelPool, p *ForwardParams, idx *chunkIndex, res *ForwardResult) {
	H, HQ, K := p.KVHeads, p.QHeads, p.KeyDim
	G := HQ / H
	scale := res.scale
	pool.run(idx.numChunks()*H, func(lo, hi int) {
		for u := lo; u < hi; u++ {
			ci, h := u/H, u%H
			ch := idx.chunks[ci]
			total := res.gn[(ci*H+h)*K : (ci*H+h+1)*K]
			chunkLocalCumsum(res.gcum, total, p.Gate, (ch.bos*H+h)*K, H*K, ch.length, K)
			for i := 0; i < ch.length; i++ {
				r := ch.bos + i
				goff := (r*H + h) * K
				for c := 0; c < K; c++ {
					res.kg.rows[goff+c] = p.K[goff+c] * safeExp(total[c]-res.gcum[goff+c])
				}
				for g := 0; g < G; g++ {
					qoff := (r*HQ + h*G + g) * K
					for c := 0; c < K; c++ {
						res.qg.rows[qoff+c] = p.Q[qoff+c] * expf(res.gcum[goff+c]) * scale
					}
				}
			}
		}
	})
}

// passState walks each sequence's chunks in order, one unit per
// (sequence, kv head, value block). A unit exclusively owns its state
// columns: snapshot, add the inter-chunk output through the decayed
// query, then advance the state
//
//	S = diag(exp(total)) S + kg^T @ v
func (e *Engine) passState(pool *kernelPool, p *ForwardParams, idx *chunkIndex, res *ForwardResult, nv int) {
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	G := HQ / H
	BV := e.tiles.valBlock
	units := idx.numSeqs() * H * nv
	stateBuf := make([]float32, units*K*BV)

	pool.run(units, func(lo, hi int) {
		for u := lo; u < hi; u++ {
			n := u / (H * nv)
			h := u % (H * nv) / nv
			v0 := u % nv * BV
			v1 := v0 + BV
			if v1 > V {
				v1 = V
			}
			bw := v1 - v0
			S := stateBuf[u*K*BV : u*K*BV+K*bw]
			if p.InitialState != nil {
				base := (n*H + h) * K * V
				for ck := 0; ck < K; ck++ {
					copy(S[ck*bw:(ck+1)*bw], p.InitialState[base+ck*V+v0:base+ck*V+v1])
				}
			}
			clo, chi := idx.seqChunks(n)
			for ci := clo; ci < chi; ci++ {
				ch := idx.chunks[ci]
				snap := (ci*H + h) * K * V
				for ck := 0; ck < K; ck++ {
					copy(res.snapshots[snap+ck*V+v0:snap+ck*V+v1], S[ck*bw:(ck+1)*bw])
				}
				for i := 0; i < ch.length; i++ {
					r := ch.bos + i
					for g := 0; g < G; g++ {
						hq := h*G + g
						qrow := res.qg.rows[(r*HQ+hq)*K : (r*HQ+hq+1)*K]
						orow := res.Output[(r*HQ+hq)*V+v0 : (r*HQ+hq)*V+v1]
						for c, qv := range qrow {
							srow := S[c*bw : (c+1)*bw]
							for j := range srow {
								orow[j] += qv * srow[j]
							}
						}
					}
				}
				gn := res.gn[(ci*H+h)*K : (ci*H+h+1)*K]
				for c := 0; c < K; c++ {
					d := expf(gn[c])
					srow := S[c*bw : (c+1)*bw]
					for j := range srow {
						srow[j] *= d
					}
				}
				for i := 0; i < ch.length; i++ {
					r := ch.bos + i
					krow := res.kg.rows[(r*H+h)*K : (r*H+h+1)*K]
					vrow := p.V[(r*H+h)*V+v0 : (r*H+h)*V+v1]
					for c, kv := range krow {
						srow := S[c*bw : (c+1)*bw]
						for j, vv := range vrow {
							srow[j] += kv * vv
						}
					}
				}
			}
			if p.OutputFinalState {
				base := (n*H + h) * K * V
				for ck := 0; ck < K; ck++ {
					copy(res.FinalState[base+ck*V+v0:base+ck*V+v1], S[ck*bw:(ck+1)*bw])
				}
			}
		}
	})
}

// passIntra builds the causal interaction matrix of every chunk from the
// raw projections,
//
//	A[i,j] = scale * sum over c of q[i,c] * k[j,c] * exp(gcum[i,c]-gcum[j,c])
//
// for j <= i, and adds A @ v into the rows the state pass already wrote.
// One unit per (chunk, query head); the matrix is retained for the
// backward pass.
func (e *Engine) passIntra(pool *kernelPool, p *ForwardParams, idx *chunkIndex, res *ForwardResult) {
	H, HQ := p.KVHeads, p.QHeads
	K, V := p.KeyDim, p.ValDim
	BT, BC := idx.chunkLen, e.tiles.subChunk
	scale := res.scale

	pool.run(idx.numChunks()*HQ, func(lo, hi int) {
		for u := lo; u < hi; u++ {
			ci, hq := u/HQ, u%HQ
			h := hq * H / HQ
			ch := idx.chunks[ci]
			abase := (ci*HQ + hq) * BT * BT

			// Sub-chunk tiles: tiles below the diagonal are dense, the
			// diagonal tile is masked to j <= i.
			for it := 0; it < ch.length; it += BC {
				ie := it + BC
				if ie > ch.length {
					ie = ch.length
				}
				for jt := 0; jt <= it; jt += BC {
					je := jt + BC
					if je > ch.length {
						je = ch.length
					}
					for i := it; i < ie; i++ {
						qoff := ((ch.bos+i)*HQ + hq) * K
						gqoff := ((ch.bos+i)*H + h) * K
						jmax := je
						if jt == it && i+1 < je {
							jmax = i + 1
						}
						arow := res.amat[abase+i*BT:]
						for j := jt; j < jmax; j++ {
							koff := ((ch.bos+j)*H + h) * K
							var s float32
							for c := 0; c < K; c++ {
								s += p.Q[qoff+c] * p.K[koff+c] *
									safeExp(res.gcum[gqoff+c]-res.gcum[koff+c])
							}
							arow[j] = s * scale
						}
					}
				}
			}

			for i := 0; i < ch.length; i++ {
				orow := res.Output[((ch.bos+i)*HQ+hq)*V : ((ch.bos+i)*HQ+hq+1)*V]
				arow := res.amat[abase+i*BT:]
				for j := 0; j <= i; j++ {
					a := arow[j]
					vrow := p.V[((ch.bos+j)*H+h)*V : ((ch.bos+j)*H+h+1)*V]
					for cv, vv := range vrow {
						orow[cv] += a * vv
					}
				}
			}
		}
	})
}
