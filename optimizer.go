package bertgo

// AdamW is Adam with decoupled weight decay, using the torch.optim.AdamW defaults.
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Eps          float32
	WeightDecay  float32

	t       int
	moments map[string]*adamMoments
}

type adamMoments struct {
	m, v []float32
}

func NewAdamW(learningRate float32) *AdamW {
	return &AdamW{
		LearningRate: learningRate,
		Beta1:        0.9,
		Beta2:        0.999,
		Eps:          1e-8,
		WeightDecay:  0.01,
	}
}

// StepCount is the number of updates applied so far.
func (opt *AdamW) StepCount() int { return opt.t }

// Step applies one update to every parameter from its accumulated gradient.
// Moment buffers are allocated on first sight of a parameter name.
func (opt *AdamW) Step(params []Parameter) {
	if opt.moments == nil {
		opt.moments = make(map[string]*adamMoments)
	}
	opt.t++
	lr, beta1, beta2, eps, wd := opt.LearningRate, opt.Beta1, opt.Beta2, opt.Eps, opt.WeightDecay
	bias1 := 1.0 - Pow(beta1, float32(opt.t))
	bias2 := 1.0 - Pow(beta2, float32(opt.t))
	for _, p := range params {
		state, ok := opt.moments[p.Name]
		if !ok || len(state.m) != len(p.Data) {
			state = &adamMoments{m: make([]float32, len(p.Data)), v: make([]float32, len(p.Data))}
			opt.moments[p.Name] = state
		}
		for i := range p.Data {
			gradient := p.Grad[i]
			// Momentum update
			m := beta1*state.m[i] + (1.0-beta1)*gradient
			// RMSprop update
			v := beta2*state.v[i] + (1.0-beta2)*gradient*gradient
			state.m[i] = m
			state.v[i] = v
			mHat := m / bias1
			vHat := v / bias2
			// decay is applied to the weight before the Adam step
			p.Data[i] *= 1 - lr*wd
			p.Data[i] -= lr * mHat / (Sqrt(vHat) + eps)
		}
	}
}
