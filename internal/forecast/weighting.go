package forecast

import (
	"math"
)

// WeightPolicy selects how validation errors become blend weights.
type WeightPolicy string

const (
	// WeightEqual gives every surviving model the same weight.
	WeightEqual WeightPolicy = "equal"
	// WeightDynamic weights models by inverse validation error.
	WeightDynamic WeightPolicy = "dynamic"
	// WeightStacking trains a meta-model over base outputs instead of a
	// weighted sum.
	WeightStacking WeightPolicy = "stacking"
)

// weightEpsilon keeps the inverse-error weight finite on a perfect fit.
const weightEpsilon = 1e-6

// missingErrorSentinel is the error assigned to a model with no validation
// predictions. Large enough to push its weight toward zero without excluding
// it outright.
const missingErrorSentinel = 1e6

// weightSumTolerance bounds the drift allowed in a normalized weight vector.
const weightSumTolerance = 1e-6

// ValidPolicy reports whether p names a known weighting policy.
func ValidPolicy(p WeightPolicy) bool {
	switch p {
	case WeightEqual, WeightDynamic, WeightStacking:
		return true
	}
	return false
}

// EqualWeights assigns 1/N to each named model.
func EqualWeights(names []string) (map[string]float64, error) {
	if len(names) == 0 {
		return nil, NewInvalidWeightsError("no models to weight", 0)
	}
	w := make(map[string]float64, len(names))
	share := 1.0 / float64(len(names))
	for _, name := range names {
		w[name] = share
	}
	return w, nil
}

// DynamicWeights computes inverse-error weights from per-model validation
// errors. Models listed in names but absent from errs get the missing-value
// sentinel, which keeps them in the blend at negligible weight.
func DynamicWeights(names []string, errs map[string]float64) (map[string]float64, error) {
	if len(names) == 0 {
		return nil, NewInvalidWeightsError("no models to weight", 0)
	}

	raw := make(map[string]float64, len(names))
	total := 0.0
	for _, name := range names {
		e, ok := errs[name]
		if !ok || math.IsNaN(e) || math.IsInf(e, 0) {
			e = missingErrorSentinel
		}
		if e < 0 {
			return nil, NewInvalidWeightsError("negative validation error for "+name, 0)
		}
		inv := 1.0 / (e + weightEpsilon)
		raw[name] = inv
		total += inv
	}
	if total <= 0 {
		return nil, NewInvalidWeightsError("inverse errors sum to zero", total)
	}

	for name := range raw {
		raw[name] /= total
	}
	return raw, nil
}

// Renormalize rescales the weights of the surviving models so they sum to 1.
// Models missing from weights are treated as weight zero and stay excluded.
func Renormalize(weights map[string]float64, surviving []string) (map[string]float64, error) {
	if len(surviving) == 0 {
		return nil, NewInvalidWeightsError("no surviving models", 0)
	}

	total := 0.0
	for _, name := range surviving {
		total += weights[name]
	}
	if total <= 0 {
		// All survivors carried zero weight; fall back to an even split.
		return EqualWeights(surviving)
	}

	out := make(map[string]float64, len(surviving))
	for _, name := range surviving {
		out[name] = weights[name] / total
	}
	return out, nil
}

// CheckWeights validates a weight vector: finite, non-negative entries that
// sum to 1 within tolerance.
func CheckWeights(weights map[string]float64) error {
	if len(weights) == 0 {
		return NewInvalidWeightsError("empty weight vector", 0)
	}
	sum := 0.0
	for name, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return NewInvalidWeightsError("non-finite weight for "+name, sum)
		}
		if w < 0 {
			return NewInvalidWeightsError("negative weight for "+name, sum)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return NewInvalidWeightsError("weights do not sum to 1", sum)
	}
	return nil
}
