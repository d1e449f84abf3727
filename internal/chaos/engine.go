// internal/chaos/engine.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrSteadyStateInvalid aborts an experiment before any fault is injected.
var ErrSteadyStateInvalid = errors.New("steady state invalid")

// Experiment is one hypothesis about how the ledger behaves under a fault.
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Probe
	Method      []Action
	Rollback    []Action
	Validation  []Assertion

	// Duration is the observation window after the method runs.
	Duration time.Duration

	// SampleEvery defaults to one second.
	SampleEvery time.Duration
}

// Probe measures one property of the running system.
type Probe struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

// Holds reports whether value satisfies the threshold.
func (t Threshold) Holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action injects or removes a fault.
type Action struct {
	Name    string
	Target  string
	Execute func(context.Context) error
}

// Assertion checks the last sample of a probe once the fault is rolled back.
type Assertion struct {
	Probe     string
	Condition func(float64) bool
	Message   string
}

// Result is what one experiment run observed.
type Result struct {
	Experiment       string                 `json:"experiment"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []Violation            `json:"violations"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type Violation struct {
	Probe     string    `json:"probe"`
	Expected  float64   `json:"expected"`
	Actual    float64   `json:"actual"`
	Timestamp time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine runs experiments and keeps their results.
type Engine struct {
	tracer      trace.Tracer
	logger      logrus.FieldLogger
	mu          sync.Mutex
	experiments []Experiment
	results     []Result
}

func NewEngine(logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		tracer: otel.Tracer("checkoutledger/chaos"),
		logger: logger,
	}
}

func (e *Engine) Register(exps ...Experiment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.experiments = append(e.experiments, exps...)
}

func (e *Engine) Experiments() []Experiment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Experiment(nil), e.experiments...)
}

func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes exp: verify steady state, inject, observe, roll back, assert.
// Rollback always runs once the method has started.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()
	log := e.logger.WithField("experiment", exp.Name)

	res := &Result{
		Experiment:   exp.Name,
		StartTime:    time.Now(),
		Observations: make(map[string][]DataPoint),
		ErrorEvents:  make([]ErrorEvent, 0),
		Violations:   make([]Violation, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.steadyState(ctx, exp.SteadyState); len(violations) > 0 {
		res.Violations = violations
		res.EndTime = time.Now()
		res.Duration = res.EndTime.Sub(res.StartTime)
		span.RecordError(ErrSteadyStateInvalid)
		log.WithField("violations", len(violations)).Warn("steady state invalid, experiment aborted")
		return res, fmt.Errorf("%s: %w", exp.Name, ErrSteadyStateInvalid)
	}
	res.SteadyStateValid = true

	span.AddEvent("injecting_faults")
	e.execute(ctx, span, exp.Method, res)

	span.AddEvent("observing")
	tracker := &recovery{}
	e.sample(ctx, exp.SteadyState, res, tracker)
	e.observe(ctx, exp, res, tracker)

	span.AddEvent("rolling_back")
	e.execute(context.WithoutCancel(ctx), span, exp.Rollback, res)
	e.sample(ctx, exp.SteadyState, res, tracker)

	span.AddEvent("validating_assertions")
	res.FailedAssertions = failedAssertions(exp.Validation, res)
	res.HypothesisHeld = len(res.FailedAssertions) == 0
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *res)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", res.HypothesisHeld),
		attribute.Int("violations", len(res.Violations)),
	)
	log.WithFields(logrus.Fields{
		"hypothesis_held": res.HypothesisHeld,
		"violations":      len(res.Violations),
		"errors":          len(res.ErrorEvents),
		"duration":        res.Duration,
	}).Info("experiment finished")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, span trace.Span, actions []Action, res *Result) {
	for _, action := range actions {
		if err := action.Execute(ctx); err != nil {
			span.RecordError(err)
			res.ErrorEvents = append(res.ErrorEvents, ErrorEvent{
				Timestamp: time.Now(),
				Error:     err.Error(),
				Component: action.Target,
			})
			e.logger.WithError(err).WithField("action", action.Name).Warn("chaos action failed")
		}
	}
}

func (e *Engine) observe(ctx context.Context, exp Experiment, res *Result, tracker *recovery) {
	every := exp.SampleEvery
	if every <= 0 {
		every = time.Second
	}
	window, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-window.Done():
			return
		case <-ticker.C:
			e.sample(ctx, exp.SteadyState, res, tracker)
		}
	}
}

// recovery tracks the first threshold breach so MTTR can be measured.
type recovery struct {
	breachedAt time.Time
	recovered  bool
}

func (e *Engine) sample(ctx context.Context, probes []Probe, res *Result, tracker *recovery) {
	for _, p := range probes {
		value, err := p.Query(ctx)
		now := time.Now()
		if err != nil {
			res.ErrorEvents = append(res.ErrorEvents, ErrorEvent{Timestamp: now, Error: err.Error(), Component: p.Name})
			continue
		}
		res.Observations[p.Name] = append(res.Observations[p.Name], DataPoint{Timestamp: now, Value: value})

		if !p.Threshold.Holds(value) {
			if tracker.breachedAt.IsZero() {
				tracker.breachedAt = now
			}
			res.Violations = append(res.Violations, Violation{
				Probe:     p.Name,
				Expected:  p.Threshold.Value,
				Actual:    value,
				Timestamp: now,
			})
		} else if !tracker.breachedAt.IsZero() && !tracker.recovered {
			mttr := now.Sub(tracker.breachedAt)
			res.MTTR = &mttr
			tracker.recovered = true
		}
	}
}

func (e *Engine) steadyState(ctx context.Context, probes []Probe) []Violation {
	var violations []Violation
	for _, p := range probes {
		value, err := p.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !p.Threshold.Holds(value) {
			violations = append(violations, Violation{
				Probe:     p.Name,
				Expected:  p.Threshold.Value,
				Actual:    value,
				Timestamp: time.Now(),
			})
		}
	}
	return violations
}

func failedAssertions(assertions []Assertion, res *Result) []string {
	var failed []string
	for _, a := range assertions {
		points := res.Observations[a.Probe]
		if len(points) == 0 || !a.Condition(points[len(points)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay is a named series of experiments run back to back.
type GameDay struct {
	Name         string
	Date         time.Time
	Scenarios    []Experiment
	Pause        time.Duration
	Participants []string
}

// ExecuteGameDay runs every scenario, logging each outcome. A failed
// scenario is recorded and the day continues.
func (e *Engine) ExecuteGameDay(ctx context.Context, day GameDay) ([]Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", day.Name)),
	)
	defer span.End()

	log := e.logger.WithField("game_day", day.Name)
	log.WithFields(logrus.Fields{
		"date":         day.Date.Format(time.DateOnly),
		"participants": day.Participants,
		"scenarios":    len(day.Scenarios),
	}).Info("game day started")

	results := make([]Result, 0, len(day.Scenarios))
	var errs []error
	for i, scenario := range day.Scenarios {
		log.WithFields(logrus.Fields{
			"scenario":   fmt.Sprintf("%d/%d", i+1, len(day.Scenarios)),
			"experiment": scenario.Name,
			"hypothesis": scenario.Hypothesis,
		}).Info("running experiment")

		res, err := e.Run(ctx, scenario)
		if err != nil {
			errs = append(errs, err)
		}
		if res != nil {
			results = append(results, *res)
		}

		if i < len(day.Scenarios)-1 && day.Pause > 0 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(day.Pause):
			}
		}
	}
	return results, errors.Join(errs...)
}
