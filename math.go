package bertgo

import (
	"math"
	"math/rand"

	"github.com/sourcegraph/conc"
)

// embeddingForward sums the word, position and token type embeddings for every
// (b,t) position. out is (B,T,C), ids and typeIDs are (B,T).
func embeddingForward(out []float32, ids, typeIDs []int32, wte, wpe, wtt []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			outBT := out[b*T*C+t*C:]
			// ids index rows of wte, t indexes rows of wpe
			wteRow := wte[int(ids[b*T+t])*C:]
			wpeRow := wpe[t*C:]
			var wttRow []float32
			if typeIDs != nil {
				wttRow = wtt[int(typeIDs[b*T+t])*C:]
			} else {
				wttRow = wtt
			}
			for i := 0; i < C; i++ {
				outBT[i] = wteRow[i] + wpeRow[i] + wttRow[i]
			}
		}
	}
}

// embeddingBackward scatters dout back into the three embedding tables.
func embeddingBackward(dwte, dwpe, dwtt, dout []float32, ids, typeIDs []int32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			doutBT := dout[b*T*C+t*C:]
			dwteRow := dwte[int(ids[b*T+t])*C:]
			dwpeRow := dwpe[t*C:]
			var dwttRow []float32
			if typeIDs != nil {
				dwttRow = dwtt[int(typeIDs[b*T+t])*C:]
			} else {
				dwttRow = dwtt
			}
			for i := 0; i < C; i++ {
				d := doutBT[i]
				dwteRow[i] += d
				dwpeRow[i] += d
				dwttRow[i] += d
			}
		}
	}
}

// layernormForward normalises every C-dimensional vector of inp, then scales
// and shifts it. mean and rstd are (B,T) buffers kept for the backward pass.
// reference: https://pytorch.org/docs/stable/generated/torch.nn.LayerNorm.html
func layernormForward(out, mean, rstd, inp, weight, bias []float32, B, T, C int, eps float64) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			x := inp[b*T*C+t*C:]
			var m float64
			for i := 0; i < C; i++ {
				m += float64(x[i])
			}
			m /= float64(C)
			var v float64
			for i := 0; i < C; i++ {
				xshift := float64(x[i]) - m
				v += xshift * xshift
			}
			v /= float64(C)
			s := 1.0 / math.Sqrt(v+eps)
			outBT := out[b*T*C+t*C:]
			for i := 0; i < C; i++ {
				n := s * (float64(x[i]) - m)
				outBT[i] = float32(n*float64(weight[i]) + float64(bias[i]))
			}
			mean[b*T+t] = float32(m)
			rstd[b*T+t] = float32(s)
		}
	}
}

func layernormBackward(dinp, dweight, dbias, dout, inp, weight, mean, rstd []float32, B, T, C int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*C + t*C
			doutBT := dout[baseIndex : baseIndex+C]
			inpBT := inp[baseIndex : baseIndex+C]
			dinpBT := dinp[baseIndex : baseIndex+C]
			meanBT := mean[b*T+t]
			rstdBT := rstd[b*T+t]

			var dnormMean, dnormNormMean float32
			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dnormMean += dnormI
				dnormNormMean += dnormI * normBTI
			}
			dnormMean /= float32(C)
			dnormNormMean /= float32(C)

			for i := 0; i < C; i++ {
				normBTI := (inpBT[i] - meanBT) * rstdBT
				dnormI := weight[i] * doutBT[i]
				dbias[i] += doutBT[i]
				dweight[i] += normBTI * doutBT[i]

				var dval float32
				dval += dnormI
				dval -= dnormMean
				dval -= normBTI * dnormNormMean
				dval *= rstdBT
				dinpBT[i] += dval
			}
		}
	}
}

// matmulForward computes out = inp @ weight^T + bias.
// inp is (B,T,C), weight is (OC,C) in the PyTorch Linear layout, bias is (OC)
// or nil, out is (B,T,OC).
func matmulForward(out, inp, weight, bias []float32, B, T, C, OC int) {
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			wg.Go(func() {
				inpBT := inp[b*T*C+t*C:]
				outBT := out[b*T*OC+t*OC:]
				for o := 0; o < OC; o++ {
					var val float64
					if bias != nil {
						val = float64(bias[o])
					}
					wrow := weight[o*C:]
					for i := 0; i < C; i++ {
						val += float64(inpBT[i]) * float64(wrow[i])
					}
					outBT[o] = float32(val)
				}
			})
		}
	}
	wg.Wait()
}

// matmulBackward accumulates into dinp, dweight and dbias (which may be nil).
// The input gradient is parallel over (b,t), the weight gradient over OC so no
// two goroutines write the same row.
func matmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, B, T, C, OC int) {
	var wg conc.WaitGroup
	if dinp != nil {
		for b := 0; b < B; b++ {
			for t := 0; t < T; t++ {
				wg.Go(func() {
					doutBT := dout[b*T*OC+t*OC:]
					dinpBT := dinp[b*T*C+t*C:]
					for o := 0; o < OC; o++ {
						wrow := weight[o*C:]
						d := doutBT[o]
						for i := 0; i < C; i++ {
							dinpBT[i] += wrow[i] * d
						}
					}
				})
			}
		}
		wg.Wait()
	}
	for o := 0; o < OC; o++ {
		wg.Go(func() {
			dwrow := dweight[o*C : o*C+C]
			for b := 0; b < B; b++ {
				for t := 0; t < T; t++ {
					d := dout[b*T*OC+t*OC+o]
					inpBT := inp[b*T*C+t*C:]
					if dbias != nil {
						dbias[o] += d
					}
					for i := 0; i < C; i++ {
						dwrow[i] += inpBT[i] * d
					}
				}
			}
		})
	}
	wg.Wait()
}

// attentionForward runs bidirectional multi-head self attention.
// inp is (B,T,3C) holding the query, key and value vectors, preatt and att are
// (B,NH,T,T), out is (B,T,C). mask is (B,T) with 1 for real tokens and 0 for
// padding; keys at padded positions get zero attention. A nil mask attends to
// every position. dropMask, (B,NH,T,T) or nil, scales the attention weights
// when mixing the values; att keeps the undropped softmax.
func attentionForward(out, preatt, att, inp []float32, mask []int32, dropMask []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := 1.0 / math.Sqrt(float64(hs))
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			for h := 0; h < NH; h++ {
				wg.Go(func() {
					queryT := inp[b*T*C3+t*C3+h*hs:]
					preattBTH := preatt[b*NH*T*T+h*T*T+t*T:]
					attBTH := att[b*NH*T*T+h*T*T+t*T:]

					// pass 1: query dot key, tracking the max for a stable softmax
					maxval := math.Inf(-1)
					for t2 := 0; t2 < T; t2++ {
						if mask != nil && mask[b*T+t2] == 0 {
							preattBTH[t2] = 0
							continue
						}
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						var val float64
						for i := 0; i < hs; i++ {
							val += float64(queryT[i]) * float64(keyT2[i])
						}
						val *= scale
						if val > maxval {
							maxval = val
						}
						preattBTH[t2] = float32(val)
					}

					// pass 2: exponentiate and sum
					var expsum float64
					for t2 := 0; t2 < T; t2++ {
						if mask != nil && mask[b*T+t2] == 0 {
							attBTH[t2] = 0
							continue
						}
						expv := math.Exp(float64(preattBTH[t2]) - maxval)
						expsum += expv
						attBTH[t2] = float32(expv)
					}
					var expsumInv float64
					if expsum != 0 {
						expsumInv = 1.0 / expsum
					}

					// pass 3: normalise
					for t2 := 0; t2 < T; t2++ {
						attBTH[t2] *= float32(expsumInv)
					}

					// pass 4: weighted sum of the values
					outBTH := out[b*T*C+t*C+h*hs:]
					for i := 0; i < hs; i++ {
						outBTH[i] = 0
					}
					for t2 := 0; t2 < T; t2++ {
						a := attBTH[t2]
						if dropMask != nil {
							a *= dropMask[b*NH*T*T+h*T*T+t*T+t2]
						}
						if a == 0 {
							continue
						}
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						for i := 0; i < hs; i++ {
							outBTH[i] += a * valueT2[i]
						}
					}
				})
			}
		}
	}
	wg.Wait()
}

// attentionBackward is the backward pass of attentionForward. Work is split
// over (b,h): each pair owns a disjoint slice of dinp, dpreatt and datt.
func attentionBackward(dinp, dpreatt, datt, dout, inp, att, dropMask []float32, B, T, C, NH int) {
	C3 := C * 3
	hs := C / NH
	scale := float32(1.0 / math.Sqrt(float64(hs)))
	var wg conc.WaitGroup
	for b := 0; b < B; b++ {
		for h := 0; h < NH; h++ {
			wg.Go(func() {
				for t := 0; t < T; t++ {
					attBTH := att[b*NH*T*T+h*T*T+t*T:]
					dattBTH := datt[b*NH*T*T+h*T*T+t*T:]
					dpreattBTH := dpreatt[b*NH*T*T+h*T*T+t*T:]
					dqueryT := dinp[b*T*C3+t*C3+h*hs:]
					queryT := inp[b*T*C3+t*C3+h*hs:]
					doutBTH := dout[b*T*C+t*C+h*hs:]

					// value accumulation, through the dropout mask
					for t2 := 0; t2 < T; t2++ {
						keep := float32(1)
						if dropMask != nil {
							keep = dropMask[b*NH*T*T+h*T*T+t*T+t2]
						}
						valueT2 := inp[b*T*C3+t2*C3+h*hs+C*2:]
						dvalueT2 := dinp[b*T*C3+t2*C3+h*hs+C*2:]
						for i := 0; i < hs; i++ {
							dattBTH[t2] += keep * valueT2[i] * doutBTH[i]
							dvalueT2[i] += keep * attBTH[t2] * doutBTH[i]
						}
					}
					// softmax
					for t2 := 0; t2 < T; t2++ {
						for t3 := 0; t3 < T; t3++ {
							var indicator float32
							if t2 == t3 {
								indicator = 1.0
							}
							localDerivative := attBTH[t2] * (indicator - attBTH[t3])
							dpreattBTH[t3] += localDerivative * dattBTH[t2]
						}
					}
					// query @ key
					for t2 := 0; t2 < T; t2++ {
						keyT2 := inp[b*T*C3+t2*C3+h*hs+C:]
						dkeyT2 := dinp[b*T*C3+t2*C3+h*hs+C:]
						for i := 0; i < hs; i++ {
							dqueryT[i] += keyT2[i] * dpreattBTH[t2] * scale
							dkeyT2[i] += queryT[i] * dpreattBTH[t2] * scale
						}
					}
				}
			})
		}
	}
	wg.Wait()
}

var invSqrt2 = 1.0 / math.Sqrt2
var invSqrt2Pi = 1.0 / math.Sqrt(2*math.Pi)

// geluForward is the exact erf GELU used by BERT.
func geluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		out[i] = float32(0.5 * x * (1.0 + math.Erf(x*invSqrt2)))
	}
}

func geluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		x := float64(inp[i])
		cdf := 0.5 * (1.0 + math.Erf(x*invSqrt2))
		pdf := invSqrt2Pi * math.Exp(-0.5*x*x)
		dinp[i] += float32(cdf+x*pdf) * dout[i]
	}
}

func residualForward(out, inp1, inp2 []float32, N int) {
	for i := 0; i < N; i++ {
		out[i] = inp1[i] + inp2[i]
	}
}

func residualBackward(dinp1, dinp2, dout []float32, N int) {
	for i := 0; i < N; i++ {
		dinp1[i] += dout[i]
		dinp2[i] += dout[i]
	}
}

func tanhForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		out[i] = Tanh(inp[i])
	}
}

// tanhBackward uses the forward output: d/dx tanh(x) = 1 - tanh(x)^2
func tanhBackward(dinp, out, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += (1 - out[i]*out[i]) * dout[i]
	}
}

func reluForward(out, inp []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			out[i] = inp[i]
		} else {
			out[i] = 0
		}
	}
}

func reluBackward(dinp, inp, dout []float32, n int) {
	for i := 0; i < n; i++ {
		if inp[i] > 0 {
			dinp[i] += dout[i]
		}
	}
}

// dropoutForward zeroes each element with probability p and scales the kept
// ones by 1/(1-p). The per-element scale is stored in mask for the backward
// pass. A nil rng or p == 0 copies inp through.
func dropoutForward(out, mask, inp []float32, p float32, rng *rand.Rand, n int) {
	dropoutMask(mask, p, rng, n)
	for i := 0; i < n; i++ {
		out[i] = inp[i] * mask[i]
	}
}

// dropoutMask fills mask with 0 at rate p and 1/(1-p) elsewhere. A nil rng or
// p <= 0 keeps everything.
func dropoutMask(mask []float32, p float32, rng *rand.Rand, n int) {
	if rng == nil || p <= 0 {
		for i := 0; i < n; i++ {
			mask[i] = 1
		}
		return
	}
	keep := 1 / (1 - p)
	for i := 0; i < n; i++ {
		if rng.Float32() < p {
			mask[i] = 0
		} else {
			mask[i] = keep
		}
	}
}

func dropoutBackward(dinp, mask, dout []float32, n int) {
	for i := 0; i < n; i++ {
		dinp[i] += mask[i] * dout[i]
	}
}

func softmaxForward(probs, logits []float32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			logitsBT := logits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]

			maxval := float32(math.Inf(-1))
			for i := 0; i < V; i++ {
				if logitsBT[i] > maxval {
					maxval = logitsBT[i]
				}
			}
			var sum float64
			for i := 0; i < V; i++ {
				probsBT[i] = Exp(logitsBT[i] - maxval)
				sum += float64(probsBT[i])
			}
			for i := 0; i < V; i++ {
				probsBT[i] /= float32(sum)
			}
		}
	}
}

func crossEntropyForward(losses []float32, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			ix := targets[b*T+t]
			prob := probs[b*T*V+t*V+int(ix)]
			losses[b*T+t] = -Log(prob)
		}
	}
}

func crossentropySoftmaxBackward(dlogits, dlosses, probs []float32, targets []int32, B, T, V int) {
	for b := 0; b < B; b++ {
		for t := 0; t < T; t++ {
			baseIndex := b*T*V + t*V
			dlogitsBT := dlogits[baseIndex : baseIndex+V]
			probsBT := probs[baseIndex : baseIndex+V]
			dloss := dlosses[b*T+t]
			ix := targets[b*T+t]
			for i := 0; i < V; i++ {
				var indicator float32
				if int32(i) == ix {
					indicator = 1.0
				}
				dlogitsBT[i] += (probsBT[i] - indicator) * dloss
			}
		}
	}
}
