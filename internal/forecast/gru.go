package forecast

import (
	"context"
	"errors"
	"math"
	"math/rand"
)

// gruWeights holds a single gated recurrent cell with a scalar readout.
// Naming follows the usual GRU formulation: z is the update gate, r the
// reset gate, and the candidate state is a tanh blend of input and the
// reset-scaled previous hidden state.
type gruWeights struct {
	inSize int
	hidden int

	Wz, Wr, Wh [][]float64
	Uz, Ur, Uh [][]float64
	bz, br, bh []float64
	Wo         []float64
	bo         float64
}

func newGRUWeights(inSize, hidden int, rng *rand.Rand) *gruWeights {
	w := &gruWeights{
		inSize: inSize,
		hidden: hidden,
		Wz:     randomMatrix(hidden, inSize, rng),
		Wr:     randomMatrix(hidden, inSize, rng),
		Wh:     randomMatrix(hidden, inSize, rng),
		Uz:     randomMatrix(hidden, hidden, rng),
		Ur:     randomMatrix(hidden, hidden, rng),
		Uh:     randomMatrix(hidden, hidden, rng),
		bz:     make([]float64, hidden),
		br:     make([]float64, hidden),
		bh:     make([]float64, hidden),
		Wo:     make([]float64, hidden),
	}
	for i := range w.Wo {
		w.Wo[i] = uniform(rng)
	}
	return w
}

func randomMatrix(rows, cols int, rng *rand.Rand) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = uniform(rng)
		}
	}
	return m
}

// uniform draws from [-0.08, 0.08], the usual small-init range for
// recurrent cells.
func uniform(rng *rand.Rand) float64 {
	return (rng.Float64()*2 - 1) * 0.08
}

// gruStep caches one timestep of the forward pass for backpropagation.
type gruStep struct {
	x     []float64
	hPrev []float64
	z     []float64
	r     []float64
	c     []float64
	h     []float64
}

// step advances the hidden state by one input and returns the cache.
func (w *gruWeights) step(x, hPrev []float64) gruStep {
	H := w.hidden
	z := make([]float64, H)
	r := make([]float64, H)
	c := make([]float64, H)
	h := make([]float64, H)

	az := addVec(addVec(matVec(w.Wz, x), matVec(w.Uz, hPrev)), w.bz)
	ar := addVec(addVec(matVec(w.Wr, x), matVec(w.Ur, hPrev)), w.br)
	for i := 0; i < H; i++ {
		z[i] = sigmoid(az[i])
		r[i] = sigmoid(ar[i])
	}

	rh := make([]float64, H)
	for i := 0; i < H; i++ {
		rh[i] = r[i] * hPrev[i]
	}
	ah := addVec(addVec(matVec(w.Wh, x), matVec(w.Uh, rh)), w.bh)
	for i := 0; i < H; i++ {
		c[i] = math.Tanh(ah[i])
		h[i] = (1-z[i])*hPrev[i] + z[i]*c[i]
	}

	return gruStep{x: x, hPrev: hPrev, z: z, r: r, c: c, h: h}
}

// forward runs a window through the cell and reads a scalar out of the final
// hidden state. A non-nil rng keeps dropout active on the readout, which is
// what the Monte-Carlo envelope samples.
func (w *gruWeights) forward(window [][]float64, rng *rand.Rand) float64 {
	h := make([]float64, w.hidden)
	for _, x := range window {
		h = w.step(x, h).h
	}

	out := w.bo
	if rng != nil {
		keep := 1 - sequenceDropout
		for i, v := range h {
			if rng.Float64() < keep {
				out += w.Wo[i] * v / keep
			}
		}
		return out
	}
	for i, v := range h {
		out += w.Wo[i] * v
	}
	return out
}

// gruGrads accumulates parameter gradients across windows.
type gruGrads struct {
	Wz, Wr, Wh [][]float64
	Uz, Ur, Uh [][]float64
	bz, br, bh []float64
	Wo         []float64
	bo         float64
}

func newGRUGrads(inSize, hidden int) *gruGrads {
	return &gruGrads{
		Wz: zeroMatrix(hidden, inSize),
		Wr: zeroMatrix(hidden, inSize),
		Wh: zeroMatrix(hidden, inSize),
		Uz: zeroMatrix(hidden, hidden),
		Ur: zeroMatrix(hidden, hidden),
		Uh: zeroMatrix(hidden, hidden),
		bz: make([]float64, hidden),
		br: make([]float64, hidden),
		bh: make([]float64, hidden),
		Wo: make([]float64, hidden),
	}
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

// backward runs backpropagation through time for one window. dOut is the
// loss gradient at the readout, mask the dropout mask applied there.
func (w *gruWeights) backward(steps []gruStep, dOut float64, mask []float64, g *gruGrads) {
	H := w.hidden

	g.bo += dOut
	dh := make([]float64, H)
	last := steps[len(steps)-1].h
	for i := 0; i < H; i++ {
		g.Wo[i] += dOut * last[i] * mask[i]
		dh[i] = dOut * w.Wo[i] * mask[i]
	}

	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		dc := make([]float64, H)
		dz := make([]float64, H)
		dhPrev := make([]float64, H)
		dah := make([]float64, H)

		for i := 0; i < H; i++ {
			dc[i] = dh[i] * st.z[i]
			dz[i] = dh[i] * (st.c[i] - st.hPrev[i])
			dhPrev[i] = dh[i] * (1 - st.z[i])
			dah[i] = dc[i] * (1 - st.c[i]*st.c[i])
		}

		rh := make([]float64, H)
		for i := 0; i < H; i++ {
			rh[i] = st.r[i] * st.hPrev[i]
		}
		accumulate(g.Wh, dah, st.x)
		accumulate(g.Uh, dah, rh)
		addInto(g.bh, dah)

		drh := matVecT(w.Uh, dah)
		dr := make([]float64, H)
		for i := 0; i < H; i++ {
			dr[i] = drh[i] * st.hPrev[i]
			dhPrev[i] += drh[i] * st.r[i]
		}

		daz := make([]float64, H)
		dar := make([]float64, H)
		for i := 0; i < H; i++ {
			daz[i] = dz[i] * st.z[i] * (1 - st.z[i])
			dar[i] = dr[i] * st.r[i] * (1 - st.r[i])
		}
		accumulate(g.Wz, daz, st.x)
		accumulate(g.Uz, daz, st.hPrev)
		addInto(g.bz, daz)
		accumulate(g.Wr, dar, st.x)
		accumulate(g.Ur, dar, st.hPrev)
		addInto(g.br, dar)

		uz := matVecT(w.Uz, daz)
		ur := matVecT(w.Ur, dar)
		for i := 0; i < H; i++ {
			dhPrev[i] += uz[i] + ur[i]
		}
		dh = dhPrev
	}
}

// train fits the cell with full-batch momentum descent: gradient clipping,
// learning-rate decay, patience-based early stopping, and restore of the
// best weights seen.
func (w *gruWeights) train(ctx context.Context, inputs [][][]float64, targets []float64, rng *rand.Rand) error {
	nSamples := len(inputs)
	if nSamples == 0 {
		return errors.New("no training windows")
	}

	vel := newGRUGrads(w.inSize, w.hidden)
	best := w.clone()
	bestLoss := math.Inf(1)
	stale := 0
	lr := sequenceLearnRate

	mask := make([]float64, w.hidden)
	keep := 1 - sequenceDropout

	for epoch := 0; epoch < sequenceEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		grads := newGRUGrads(w.inSize, w.hidden)
		loss := 0.0
		for s := 0; s < nSamples; s++ {
			steps := make([]gruStep, len(inputs[s]))
			h := make([]float64, w.hidden)
			for t, x := range inputs[s] {
				steps[t] = w.step(x, h)
				h = steps[t].h
			}

			for i := range mask {
				if rng.Float64() < keep {
					mask[i] = 1 / keep
				} else {
					mask[i] = 0
				}
			}
			pred := w.bo
			for i, v := range h {
				pred += w.Wo[i] * v * mask[i]
			}

			diff := pred - targets[s]
			loss += diff * diff
			w.backward(steps, 2*diff/float64(nSamples), mask, grads)
		}
		loss /= float64(nSamples)

		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			break
		}
		if loss < bestLoss {
			bestLoss = loss
			best = w.clone()
			stale = 0
		} else {
			stale++
		}
		if stale > sequencePatience {
			break
		}

		grads.clip(sequenceGradClip)
		w.applyMomentum(grads, vel, lr)
		lr *= sequenceDecay
	}

	if math.IsInf(bestLoss, 1) {
		return errors.New("training diverged before completing an epoch")
	}
	w.copyFrom(best)
	return nil
}

// clip rescales all gradients when their global norm exceeds the limit.
func (g *gruGrads) clip(limit float64) {
	norm := 0.0
	walk := func(m [][]float64) {
		for _, row := range m {
			for _, v := range row {
				norm += v * v
			}
		}
	}
	walk(g.Wz)
	walk(g.Wr)
	walk(g.Wh)
	walk(g.Uz)
	walk(g.Ur)
	walk(g.Uh)
	for _, v := range g.bz {
		norm += v * v
	}
	for _, v := range g.br {
		norm += v * v
	}
	for _, v := range g.bh {
		norm += v * v
	}
	for _, v := range g.Wo {
		norm += v * v
	}
	norm += g.bo * g.bo
	norm = math.Sqrt(norm)
	if norm <= limit {
		return
	}

	scale := limit / norm
	scaleMat := func(m [][]float64) {
		for _, row := range m {
			for j := range row {
				row[j] *= scale
			}
		}
	}
	scaleMat(g.Wz)
	scaleMat(g.Wr)
	scaleMat(g.Wh)
	scaleMat(g.Uz)
	scaleMat(g.Ur)
	scaleMat(g.Uh)
	scaleVec(g.bz, scale)
	scaleVec(g.br, scale)
	scaleVec(g.bh, scale)
	scaleVec(g.Wo, scale)
	g.bo *= scale
}

// applyMomentum folds the gradients into the velocity buffers and steps the
// weights, matching the optimizer shape used for the seasonal estimator.
func (w *gruWeights) applyMomentum(g, vel *gruGrads, lr float64) {
	stepMat := func(wm, vm, gm [][]float64) {
		for i := range wm {
			for j := range wm[i] {
				vm[i][j] = sequenceMomentum*vm[i][j] + lr*gm[i][j]
				wm[i][j] -= vm[i][j]
			}
		}
	}
	stepVec := func(wv, vv, gv []float64) {
		for i := range wv {
			vv[i] = sequenceMomentum*vv[i] + lr*gv[i]
			wv[i] -= vv[i]
		}
	}
	stepMat(w.Wz, vel.Wz, g.Wz)
	stepMat(w.Wr, vel.Wr, g.Wr)
	stepMat(w.Wh, vel.Wh, g.Wh)
	stepMat(w.Uz, vel.Uz, g.Uz)
	stepMat(w.Ur, vel.Ur, g.Ur)
	stepMat(w.Uh, vel.Uh, g.Uh)
	stepVec(w.bz, vel.bz, g.bz)
	stepVec(w.br, vel.br, g.br)
	stepVec(w.bh, vel.bh, g.bh)
	stepVec(w.Wo, vel.Wo, g.Wo)
	vel.bo = sequenceMomentum*vel.bo + lr*g.bo
	w.bo -= vel.bo
}

func (w *gruWeights) clone() *gruWeights {
	c := &gruWeights{
		inSize: w.inSize,
		hidden: w.hidden,
		Wz:     copyMatrix(w.Wz),
		Wr:     copyMatrix(w.Wr),
		Wh:     copyMatrix(w.Wh),
		Uz:     copyMatrix(w.Uz),
		Ur:     copyMatrix(w.Ur),
		Uh:     copyMatrix(w.Uh),
		bz:     append([]float64(nil), w.bz...),
		br:     append([]float64(nil), w.br...),
		bh:     append([]float64(nil), w.bh...),
		Wo:     append([]float64(nil), w.Wo...),
		bo:     w.bo,
	}
	return c
}

func (w *gruWeights) copyFrom(src *gruWeights) {
	copyMatrixInto(w.Wz, src.Wz)
	copyMatrixInto(w.Wr, src.Wr)
	copyMatrixInto(w.Wh, src.Wh)
	copyMatrixInto(w.Uz, src.Uz)
	copyMatrixInto(w.Ur, src.Ur)
	copyMatrixInto(w.Uh, src.Uh)
	copy(w.bz, src.bz)
	copy(w.br, src.br)
	copy(w.bh, src.bh)
	copy(w.Wo, src.Wo)
	w.bo = src.bo
}

func copyMatrix(m [][]float64) [][]float64 {
	out := make([][]float64, len(m))
	for i := range m {
		out[i] = append([]float64(nil), m[i]...)
	}
	return out
}

func copyMatrixInto(dst, src [][]float64) {
	for i := range src {
		copy(dst[i], src[i])
	}
}

func matVec(m [][]float64, x []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		sum := 0.0
		for j, v := range row {
			sum += v * x[j]
		}
		out[i] = sum
	}
	return out
}

// matVecT multiplies the transpose of a square matrix by a vector.
func matVecT(m [][]float64, x []float64) []float64 {
	n := len(m)
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out[j] += m[i][j] * x[i]
		}
	}
	return out
}

func addVec(a, b []float64) []float64 {
	for i := range a {
		a[i] += b[i]
	}
	return a
}

func addInto(dst, src []float64) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// accumulate adds the outer product of col and row into m.
func accumulate(m [][]float64, col, row []float64) {
	for i := range col {
		for j := range row {
			m[i][j] += col[i] * row[j]
		}
	}
}

func scaleVec(v []float64, s float64) {
	for i := range v {
		v[i] *= s
	}
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
