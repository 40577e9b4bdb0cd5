package forecast

import (
	"math"
	"math/rand"
	"sort"
)

// Regression trees and the two tree ensembles built on them. Boosting fits
// each tree to the residuals of the running prediction; the forest averages
// independently bootstrapped trees. Both are deterministic under a fixed seed
// so repeated training runs stay comparable.

const treeSeed = 42

// treeNode is one node of a regression tree. Leaves have feature == -1.
type treeNode struct {
	feature   int
	threshold float64
	left      int
	right     int
	value     float64
}

// regressionTree is a CART tree grown by variance reduction.
type regressionTree struct {
	nodes    []treeNode
	maxDepth int
	minLeaf  int
}

func newRegressionTree(maxDepth, minLeaf int) *regressionTree {
	if minLeaf < 1 {
		minLeaf = 1
	}
	return &regressionTree{maxDepth: maxDepth, minLeaf: minLeaf}
}

// fit grows the tree on the samples selected by idx.
func (t *regressionTree) fit(X [][]float64, y []float64, idx []int) {
	t.nodes = t.nodes[:0]
	t.grow(X, y, idx, 0)
}

// grow builds the subtree for idx and returns its node index.
func (t *regressionTree) grow(X [][]float64, y []float64, idx []int, depth int) int {
	node := treeNode{feature: -1, value: meanAt(y, idx)}
	self := len(t.nodes)
	t.nodes = append(t.nodes, node)

	if depth >= t.maxDepth || len(idx) < 2*t.minLeaf {
		return self
	}

	feature, threshold, ok := t.bestSplit(X, y, idx)
	if !ok {
		return self
	}

	var leftIdx, rightIdx []int
	for _, i := range idx {
		if X[i][feature] <= threshold {
			leftIdx = append(leftIdx, i)
		} else {
			rightIdx = append(rightIdx, i)
		}
	}
	if len(leftIdx) < t.minLeaf || len(rightIdx) < t.minLeaf {
		return self
	}

	t.nodes[self].feature = feature
	t.nodes[self].threshold = threshold
	t.nodes[self].left = t.grow(X, y, leftIdx, depth+1)
	t.nodes[self].right = t.grow(X, y, rightIdx, depth+1)
	return self
}

// bestSplit scans every feature for the threshold that minimizes the summed
// squared error of the two children. Prefix sums over the sorted column keep
// the scan linear per feature.
func (t *regressionTree) bestSplit(X [][]float64, y []float64, idx []int) (feature int, threshold float64, ok bool) {
	if len(idx) == 0 {
		return 0, 0, false
	}
	nFeatures := len(X[idx[0]])

	type pair struct{ v, y float64 }
	column := make([]pair, len(idx))

	bestScore := math.Inf(1)
	for f := 0; f < nFeatures; f++ {
		for j, i := range idx {
			column[j] = pair{X[i][f], y[i]}
		}
		sort.Slice(column, func(a, b int) bool { return column[a].v < column[b].v })

		var sumLeft, sqLeft float64
		sumTotal, sqTotal := 0.0, 0.0
		for _, p := range column {
			sumTotal += p.y
			sqTotal += p.y * p.y
		}

		n := len(column)
		for j := 0; j < n-1; j++ {
			sumLeft += column[j].y
			sqLeft += column[j].y * column[j].y
			if column[j].v == column[j+1].v {
				continue
			}
			nl, nr := float64(j+1), float64(n-j-1)
			if int(nl) < t.minLeaf || int(nr) < t.minLeaf {
				continue
			}
			sseLeft := sqLeft - sumLeft*sumLeft/nl
			sumRight := sumTotal - sumLeft
			sseRight := (sqTotal - sqLeft) - sumRight*sumRight/nr
			if score := sseLeft + sseRight; score < bestScore {
				bestScore = score
				feature = f
				threshold = (column[j].v + column[j+1].v) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// predict walks the tree to a leaf.
func (t *regressionTree) predict(x []float64) float64 {
	if len(t.nodes) == 0 {
		return 0
	}
	i := 0
	for t.nodes[i].feature >= 0 {
		if x[t.nodes[i].feature] <= t.nodes[i].threshold {
			i = t.nodes[i].left
		} else {
			i = t.nodes[i].right
		}
	}
	return t.nodes[i].value
}

func meanAt(y []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	sum := 0.0
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}

// gradientBoost is a boosted ensemble of regression trees on squared loss.
type gradientBoost struct {
	nEstimators  int
	maxDepth     int
	learningRate float64
	subsample    float64
	minLeaf      int

	base  float64
	trees []*regressionTree
	rng   *rand.Rand
}

// newGradientBoost mirrors the usual boosting defaults for demand data:
// 100 rounds of depth-6 trees at learning rate 0.1 over an 0.8 row subsample.
func newGradientBoost(nEstimators, maxDepth int, learningRate, subsample float64) *gradientBoost {
	return &gradientBoost{
		nEstimators:  nEstimators,
		maxDepth:     maxDepth,
		learningRate: learningRate,
		subsample:    subsample,
		minLeaf:      2,
		rng:          rand.New(rand.NewSource(treeSeed)),
	}
}

// fit runs the boosting rounds. Each round fits a tree to the current
// residuals on a row subsample and folds it into the running prediction.
func (g *gradientBoost) fit(X [][]float64, y []float64) {
	n := len(y)
	g.base = 0
	for _, v := range y {
		g.base += v
	}
	if n > 0 {
		g.base /= float64(n)
	}

	current := make([]float64, n)
	for i := range current {
		current[i] = g.base
	}
	residual := make([]float64, n)
	g.trees = g.trees[:0]

	sampleSize := int(g.subsample * float64(n))
	if sampleSize < 1 {
		sampleSize = n
	}

	for m := 0; m < g.nEstimators; m++ {
		for i := range residual {
			residual[i] = y[i] - current[i]
		}

		idx := g.sampleRows(n, sampleSize)
		tree := newRegressionTree(g.maxDepth, g.minLeaf)
		tree.fit(X, residual, idx)
		g.trees = append(g.trees, tree)

		for i := range current {
			current[i] += g.learningRate * tree.predict(X[i])
		}
	}
}

// sampleRows draws sampleSize distinct rows without replacement.
func (g *gradientBoost) sampleRows(n, sampleSize int) []int {
	if sampleSize >= n {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	perm := g.rng.Perm(n)
	return perm[:sampleSize]
}

// predict sums the scaled tree outputs on top of the base level.
func (g *gradientBoost) predict(x []float64) float64 {
	pred := g.base
	for _, tree := range g.trees {
		pred += g.learningRate * tree.predict(x)
	}
	return pred
}

// residualStd returns the standard deviation of training residuals, the basis
// for the prediction interval width.
func (g *gradientBoost) residualStd(X [][]float64, y []float64) float64 {
	n := len(y)
	if n < 2 {
		return 0
	}
	var sum, sq float64
	for i := range y {
		r := y[i] - g.predict(X[i])
		sum += r
		sq += r * r
	}
	mean := sum / float64(n)
	return math.Sqrt(sq/float64(n) - mean*mean)
}

// randomForest is a bagged ensemble of full-feature regression trees.
type randomForest struct {
	nEstimators int
	maxDepth    int
	minLeaf     int

	trees []*regressionTree
	rng   *rand.Rand
}

func newRandomForest(nEstimators, maxDepth int) *randomForest {
	return &randomForest{
		nEstimators: nEstimators,
		maxDepth:    maxDepth,
		minLeaf:     2,
		rng:         rand.New(rand.NewSource(treeSeed)),
	}
}

// fit trains each tree on a bootstrap sample of the rows.
func (r *randomForest) fit(X [][]float64, y []float64) {
	n := len(y)
	r.trees = r.trees[:0]
	for m := 0; m < r.nEstimators; m++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = r.rng.Intn(n)
		}
		tree := newRegressionTree(r.maxDepth, r.minLeaf)
		tree.fit(X, y, idx)
		r.trees = append(r.trees, tree)
	}
}

// predict averages the trees.
func (r *randomForest) predict(x []float64) float64 {
	if len(r.trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, tree := range r.trees {
		sum += tree.predict(x)
	}
	return sum / float64(len(r.trees))
}
