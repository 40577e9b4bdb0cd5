package forecast

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/demandcast/demandcast-go/internal/models"
	"github.com/demandcast/demandcast-go/internal/timeseries"
)

// State is the combiner lifecycle position.
type State int32

const (
	// StateUninitialized is the zero value before Initialize.
	StateUninitialized State = iota
	// StateBaseModelsInitialized means the enabled model kinds are validated
	// and constructible.
	StateBaseModelsInitialized
	// StateTrained means base fits finished and the surviving set is known.
	StateTrained
	// StateReady means weights and validation metrics are in place and
	// Predict may be called.
	StateReady
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBaseModelsInitialized:
		return "base_models_initialized"
	case StateTrained:
		return "trained"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// CombinerConfig configures an ensemble run.
type CombinerConfig struct {
	EnabledModels  []ModelKind
	Policy         WeightPolicy
	MetaLearner    MetaLearner
	SeasonalPeriod int
	SequenceWindow int
	MaxHorizon     int
	Workers        int

	// AccuracyPriors carries per-model realized error (mean MAPE) from
	// earlier runs. Dynamic weighting averages each model's current
	// validation error with its prior, so a single noisy fit cannot swing
	// the blend. Empty means weights come from the current fit alone.
	AccuracyPriors map[string]float64

	// Factory overrides base forecaster construction, used by tests to
	// inject scripted models. Nil selects the built-in families.
	Factory func(kind ModelKind) (BaseForecaster, error)
}

// seriesState is everything the combiner holds for one fitted series.
type seriesState struct {
	frame   *timeseries.Frame
	train   *timeseries.Frame
	valid   *timeseries.Frame
	fits    map[string]BaseForecaster
	valPred map[string][]float64
	valErr  map[string]models.AccuracyMetrics
	evicted []string
}

// Combiner blends the enabled base forecasters into one demand forecast per
// series. It is a state machine: Initialize validates the configuration, Fit
// trains per-series base models and derives blend weights, Predict serves
// forecasts. Failures stay contained to one model on one series; the batch
// never aborts because a single fit went wrong.
type Combiner struct {
	logger *logrus.Logger
	cfg    CombinerConfig

	mu       sync.RWMutex
	state    State
	kinds    []ModelKind
	series   map[models.SeriesKey]*seriesState
	failures map[models.SeriesKey]error
	weights  map[string]float64
	meta     *MetaModel
	valMAE   float64
	valRMSE  float64
	fittedAt time.Time
}

// NewCombiner creates a combiner in the uninitialized state.
func NewCombiner(cfg CombinerConfig, logger *logrus.Logger) *Combiner {
	if cfg.SeasonalPeriod == 0 {
		cfg.SeasonalPeriod = 7
	}
	if cfg.SequenceWindow == 0 {
		cfg.SequenceWindow = sequenceWindow
	}
	if cfg.MaxHorizon == 0 {
		cfg.MaxHorizon = 14
	}
	if cfg.Policy == "" {
		cfg.Policy = WeightEqual
	}
	if cfg.MetaLearner == "" {
		cfg.MetaLearner = MetaRidge
	}
	return &Combiner{
		logger:   logger,
		cfg:      cfg,
		series:   make(map[models.SeriesKey]*seriesState),
		failures: make(map[models.SeriesKey]error),
	}
}

// State returns the current lifecycle state.
func (c *Combiner) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Initialize validates the enabled model kinds and the weighting policy. At
// least one kind must be constructible or the configuration is rejected.
func (c *Combiner) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.cfg.EnabledModels) == 0 {
		return fmt.Errorf("no base models enabled")
	}
	if !ValidPolicy(c.cfg.Policy) {
		return fmt.Errorf("unknown weighting policy %q", c.cfg.Policy)
	}
	if c.cfg.Policy == WeightStacking && !ValidMetaLearner(c.cfg.MetaLearner) {
		return fmt.Errorf("unknown meta-learner %q", c.cfg.MetaLearner)
	}

	var kinds []ModelKind
	for _, kind := range c.cfg.EnabledModels {
		if _, err := c.newForecaster(kind); err != nil {
			c.logger.WithFields(logrus.Fields{
				"kind":  string(kind),
				"error": err.Error(),
			}).Warn("Base model kind unavailable, excluding from ensemble")
			continue
		}
		kinds = append(kinds, kind)
	}
	if len(kinds) == 0 {
		return fmt.Errorf("no base model could be constructed")
	}

	c.kinds = kinds
	c.state = StateBaseModelsInitialized
	return nil
}

func (c *Combiner) newForecaster(kind ModelKind) (BaseForecaster, error) {
	if c.cfg.Factory != nil {
		return c.cfg.Factory(kind)
	}
	switch kind {
	case KindSeasonal:
		return NewSeasonalForecaster(c.cfg.SeasonalPeriod, c.logger), nil
	case KindSequence:
		return NewSequenceForecaster(c.cfg.SequenceWindow, c.logger), nil
	case KindRegression:
		return NewRegressionForecaster(c.cfg.MaxHorizon, c.logger), nil
	default:
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
}

// Fit trains the ensemble on the given series frames. Each frame is split by
// time into train and validation portions, base models are fitted per series
// across a bounded worker pool, and the weighting policy runs over the
// validation-period predictions. Fit succeeds when at least one model
// survives on at least one series; otherwise the combiner stays in the
// initialized state and AllModelsFailedError is returned.
func (c *Combiner) Fit(ctx context.Context, frames []*timeseries.Frame, validationSplit float64) error {
	c.mu.Lock()
	if c.state == StateUninitialized {
		c.mu.Unlock()
		return NewNotFittedError("ensemble fit (initialize first)")
	}
	// Retraining re-enters the initialized state before running again.
	c.state = StateBaseModelsInitialized
	c.series = make(map[models.SeriesKey]*seriesState)
	c.failures = make(map[models.SeriesKey]error)
	c.weights = nil
	c.meta = nil
	kinds := c.kinds
	c.mu.Unlock()

	if len(frames) == 0 {
		return NewInsufficientDataError("ensemble", 1, 0)
	}
	if validationSplit <= 0 || validationSplit >= 1 {
		validationSplit = 0.2
	}

	workers := c.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(frames) {
		workers = len(frames)
	}

	jobs := make(chan *timeseries.Frame)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for frame := range jobs {
				if ctx.Err() != nil {
					continue
				}
				c.fitSeries(ctx, frame, kinds, validationSplit)
			}
		}()
	}
	for _, frame := range frames {
		jobs <- frame
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.series) == 0 {
		failures := make(map[string]error, len(c.failures))
		for key, err := range c.failures {
			failures[key.String()] = err
		}
		if len(failures) == 0 {
			failures["ensemble"] = fmt.Errorf("no series produced a surviving model")
		}
		return NewAllModelsFailedError("ensemble", failures)
	}
	c.state = StateTrained

	names := c.survivingKindsLocked()
	if err := c.computeWeightsLocked(names); err != nil {
		return err
	}
	if c.cfg.Policy == WeightStacking {
		if err := c.trainMetaLocked(names); err != nil {
			c.logger.WithField("error", err.Error()).Warn("Meta-learner training failed, falling back to dynamic blend")
			c.meta = nil
		}
	}
	c.recordValidationLocked()
	c.fittedAt = time.Now().UTC()
	c.state = StateReady
	return nil
}

// kindFit is one base model's outcome inside a series fit. Slots are written
// by index, one goroutine each, so no lock is needed until the join.
type kindFit struct {
	name    string
	model   BaseForecaster
	err     error
	valPred []float64
	valErr  models.AccuracyMetrics
	scored  bool
}

// fitSeries trains every enabled kind for one series concurrently, the fitted
// models share no state. A model that fails to fit is evicted for this series
// only, with a logged warning; if nothing survives the series is recorded as
// failed.
func (c *Combiner) fitSeries(ctx context.Context, frame *timeseries.Frame, kinds []ModelKind, validationSplit float64) {
	key := frame.Key
	train, valid := frame.SplitAt(validationSplit)

	st := &seriesState{
		frame:   frame,
		train:   train,
		valid:   valid,
		fits:    make(map[string]BaseForecaster),
		valPred: make(map[string][]float64),
		valErr:  make(map[string]models.AccuracyMetrics),
	}

	results := make([]kindFit, len(kinds))
	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(slot *kindFit, kind ModelKind) {
			defer wg.Done()
			slot.name = string(kind)

			model, err := c.newForecaster(kind)
			if err != nil {
				slot.err = err
				return
			}
			if err := model.Fit(ctx, train); err != nil {
				slot.err = err
				c.logger.WithFields(logrus.Fields{
					"series": key.String(),
					"model":  slot.name,
					"error":  err.Error(),
				}).Warn("Base model evicted for series")
				return
			}
			slot.model = model

			if valid.Len() == 0 {
				return
			}
			result, err := model.Predict(ctx, valid.Len())
			if err != nil {
				c.logger.WithFields(logrus.Fields{
					"series": key.String(),
					"model":  slot.name,
					"error":  err.Error(),
				}).Warn("Validation prediction failed, model gets sentinel error")
				return
			}
			slot.valPred = result.Points
			slot.valErr = Accuracy(valid.Demand, result.Points)
			slot.scored = true
		}(&results[i], kind)
	}
	wg.Wait()

	fitFailures := make(map[string]error)
	for i := range results {
		r := &results[i]
		if r.model == nil {
			fitFailures[r.name] = r.err
			st.evicted = append(st.evicted, r.name)
			continue
		}
		st.fits[r.name] = r.model
		if r.scored {
			st.valPred[r.name] = r.valPred
			st.valErr[r.name] = r.valErr
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(st.fits) == 0 {
		c.failures[key] = NewAllModelsFailedError(key.String(), fitFailures)
		return
	}
	c.series[key] = st
}

// survivingKindsLocked returns the sorted labels of kinds fitted on at least
// one series.
func (c *Combiner) survivingKindsLocked() []string {
	seen := make(map[string]bool)
	for _, st := range c.series {
		for name := range st.fits {
			seen[name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// computeWeightsLocked derives the global blend weights from per-model mean
// validation MAPE, averaged with any accuracy priors carried over from
// earlier runs. Stacking also records these as audit weights.
func (c *Combiner) computeWeightsLocked(names []string) error {
	if c.cfg.Policy == WeightEqual {
		w, err := EqualWeights(names)
		if err != nil {
			return err
		}
		c.weights = w
		return nil
	}

	errs := make(map[string]float64, len(names))
	for _, name := range names {
		sum, count := 0.0, 0
		for _, st := range c.series {
			if m, ok := st.valErr[name]; ok {
				sum += m.MAPE
				count++
			}
		}
		if count > 0 {
			errs[name] = sum / float64(count)
		}
	}
	for _, name := range names {
		prior, ok := c.cfg.AccuracyPriors[name]
		if !ok || prior <= 0 {
			continue
		}
		if cur, seen := errs[name]; seen {
			errs[name] = (cur + prior) / 2
		} else {
			errs[name] = prior
		}
	}

	w, err := DynamicWeights(names, errs)
	if err != nil {
		return err
	}
	if err := CheckWeights(w); err != nil {
		return err
	}
	c.weights = w
	return nil
}

// trainMetaLocked builds one stacking sample per series and trains the
// meta-model on them.
func (c *Combiner) trainMetaLocked(names []string) error {
	keys := make([]models.SeriesKey, 0, len(c.series))
	for key := range c.series {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var samples []MetaSample
	for _, key := range keys {
		st := c.series[key]
		if st.valid.Len() == 0 || len(st.valPred) == 0 {
			continue
		}
		asOf := st.valid.Dates[0]
		samples = append(samples, MetaSample{
			Features: BuildMetaVector(names, st.valPred, st.train.Demand, asOf),
			Target:   timeseries.Mean(st.valid.Demand),
		})
	}

	meta, err := TrainMetaModel(c.cfg.MetaLearner, names, samples)
	if err != nil {
		return err
	}
	c.meta = meta
	c.logger.WithFields(logrus.Fields{
		"learner": string(c.cfg.MetaLearner),
		"samples": len(samples),
		"cv_mae":  meta.CVMAE(),
	}).Info("Meta-learner trained")
	return nil
}

// recordValidationLocked blends the validation predictions per series and
// aggregates ensemble MAE/RMSE across series.
func (c *Combiner) recordValidationLocked() {
	var maeSum, rmseSum float64
	count := 0
	for _, st := range c.series {
		if st.valid.Len() == 0 || len(st.valPred) == 0 {
			continue
		}
		blend, _, err := blendValues(st.valPred, c.weights, st.valid.Len())
		if err != nil {
			continue
		}
		m := Accuracy(st.valid.Demand, blend)
		maeSum += m.MAE
		rmseSum += m.RMSE
		count++
	}
	if count > 0 {
		c.valMAE = maeSum / float64(count)
		c.valRMSE = rmseSum / float64(count)
	}
}

// blendValues computes the weighted sum of per-model predictions,
// renormalizing over the models actually present. Missing or short
// predictions exclude a model from the blend.
func blendValues(preds map[string][]float64, weights map[string]float64, horizon int) ([]float64, map[string]float64, error) {
	var present []string
	for name, p := range preds {
		if len(p) >= horizon {
			present = append(present, name)
		}
	}
	sort.Strings(present)
	if len(present) == 0 {
		return nil, nil, NewInvalidWeightsError("no model produced a usable prediction", 0)
	}

	w, err := Renormalize(weights, present)
	if err != nil {
		return nil, nil, err
	}

	out := make([]float64, horizon)
	for _, name := range present {
		for i := 0; i < horizon; i++ {
			out[i] += w[name] * preds[name][i]
		}
	}
	return out, w, nil
}

// Predict produces the blended forecast for one fitted series. Base models
// that fail to predict are excluded from the blend for this series; if none
// produce output the error is AllModelsFailedError.
func (c *Combiner) Predict(ctx context.Context, key models.SeriesKey, horizon int) (*models.ForecastResult, error) {
	c.mu.RLock()
	state := c.state
	st := c.series[key]
	seriesErr := c.failures[key]
	weights := c.weights
	meta := c.meta
	enabled := len(c.kinds)
	c.mu.RUnlock()

	if state != StateReady {
		return nil, NewNotFittedError("ensemble predict")
	}
	if err := checkHorizon(horizon); err != nil {
		return nil, err
	}
	if st == nil {
		if seriesErr != nil {
			return nil, seriesErr
		}
		return nil, NewNotFittedError("ensemble predict for series " + key.String())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	preds := make(map[string][]float64, len(st.fits))
	lowers := make(map[string][]float64, len(st.fits))
	uppers := make(map[string][]float64, len(st.fits))
	predictFailures := make(map[string]error)
	for name, model := range st.fits {
		result, err := model.Predict(ctx, horizon)
		if err != nil {
			predictFailures[name] = err
			c.logger.WithFields(logrus.Fields{
				"series": key.String(),
				"model":  name,
				"error":  err.Error(),
			}).Warn("Base model excluded from blend")
			continue
		}
		preds[name] = result.Points
		lowers[name] = result.Lower
		uppers[name] = result.Upper
	}
	if len(preds) == 0 {
		return nil, NewAllModelsFailedError(key.String(), predictFailures)
	}

	// New series with no validation actuals blend with equal weights
	// regardless of the global policy.
	blendWeights := weights
	if st.valid.Len() == 0 {
		equal, err := EqualWeights(kindNames(preds))
		if err != nil {
			return nil, err
		}
		blendWeights = equal
	}

	var point []float64
	var usedWeights map[string]float64
	label := "ensemble"
	if c.cfg.Policy == WeightStacking && meta != nil {
		features := BuildMetaVector(meta.Names(), preds, st.frame.Demand, st.frame.FutureDates(1)[0])
		level, err := meta.Predict(features)
		if err != nil {
			return nil, err
		}
		point = make([]float64, horizon)
		for i := range point {
			point[i] = level
		}
		label = "ensemble/" + string(c.cfg.MetaLearner)
	} else {
		blended, used, err := blendValues(preds, blendWeights, horizon)
		if err != nil {
			return nil, err
		}
		point = blended
		usedWeights = used
	}

	lower := averageBounds(lowers, horizon)
	upper := averageBounds(uppers, horizon)

	result := newResult(key, label, point, lower, upper)
	result.Models = kindNames(preds)
	result.Weights = usedWeights
	result.Degraded = len(preds) < enabled || len(st.evicted) > 0
	return result, nil
}

// PredictAll forecasts every fitted series, returning per-series errors
// instead of failing the batch.
func (c *Combiner) PredictAll(ctx context.Context, horizon int) (map[models.SeriesKey]*models.ForecastResult, map[models.SeriesKey]error) {
	c.mu.RLock()
	keys := make([]models.SeriesKey, 0, len(c.series))
	for key := range c.series {
		keys = append(keys, key)
	}
	failed := make(map[models.SeriesKey]error, len(c.failures))
	for key, err := range c.failures {
		failed[key] = err
	}
	c.mu.RUnlock()

	results := make(map[models.SeriesKey]*models.ForecastResult, len(keys))
	for _, key := range keys {
		result, err := c.Predict(ctx, key, horizon)
		if err != nil {
			failed[key] = err
			continue
		}
		results[key] = result
	}
	return results, failed
}

// averageBounds is the documented simplification for interval combination:
// the plain mean of the base-model bounds that are present.
func averageBounds(bounds map[string][]float64, horizon int) []float64 {
	out := make([]float64, horizon)
	count := 0
	for _, b := range bounds {
		if len(b) < horizon {
			continue
		}
		for i := 0; i < horizon; i++ {
			out[i] += b[i]
		}
		count++
	}
	if count > 0 {
		for i := range out {
			out[i] /= float64(count)
		}
	}
	return out
}

func kindNames(preds map[string][]float64) []string {
	names := make([]string, 0, len(preds))
	for name := range preds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Weights returns a copy of the global blend weights.
func (c *Combiner) Weights() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.weights))
	for name, w := range c.weights {
		out[name] = w
	}
	return out
}

// ValidationMetrics returns the ensemble-level validation MAE and RMSE.
func (c *Combiner) ValidationMetrics() (mae, rmse float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valMAE, c.valRMSE
}

// FailedSeries returns the series for which every base model failed.
func (c *Combiner) FailedSeries() map[models.SeriesKey]error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.SeriesKey]error, len(c.failures))
	for key, err := range c.failures {
		out[key] = err
	}
	return out
}

// DegradedSeries returns, per series, the model labels evicted at fit time.
func (c *Combiner) DegradedSeries() map[models.SeriesKey][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[models.SeriesKey][]string)
	for key, st := range c.series {
		if len(st.evicted) > 0 {
			out[key] = append([]string(nil), st.evicted...)
		}
	}
	return out
}

// SeriesKeys returns the fitted series in deterministic order.
func (c *Combiner) SeriesKeys() []models.SeriesKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]models.SeriesKey, 0, len(c.series))
	for key := range c.series {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// MetaModel returns the trained stacking model, nil outside stacking runs.
func (c *Combiner) MetaModel() *MetaModel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.meta
}

// SeriesValidation returns the per-model validation metrics recorded for one
// fitted series, nil when the series is unknown. Models evicted at fit time
// have no entry.
func (c *Combiner) SeriesValidation(key models.SeriesKey) map[string]models.AccuracyMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.series[key]
	if st == nil {
		return nil
	}
	out := make(map[string]models.AccuracyMetrics, len(st.valErr))
	for name, m := range st.valErr {
		out[name] = m
	}
	return out
}

// ModelSnapshot serializes the fitted base model of the given kind for one
// series. Only kinds implementing Snapshotter can be serialized.
func (c *Combiner) ModelSnapshot(key models.SeriesKey, kind ModelKind) ([]byte, error) {
	c.mu.RLock()
	st := c.series[key]
	c.mu.RUnlock()
	if st == nil {
		return nil, NewNotFittedError("model snapshot for series " + key.String())
	}
	model, ok := st.fits[string(kind)]
	if !ok {
		return nil, fmt.Errorf("model %s is not fitted for series %s", kind, key.String())
	}
	snap, ok := model.(Snapshotter)
	if !ok {
		return nil, fmt.Errorf("model %s does not support snapshots", kind)
	}
	return snap.Snapshot()
}
