// Package alerts evaluates live metrics against configurable thresholds,
// keeps the resulting alerts until they are acknowledged and pruned, and
// forwards new alerts to external notifiers.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/metrics"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/monitoring"
	"github.com/DentaMind/SmartDentalAI-sub001/internal/shared/types"
	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrThresholdNotFound = errors.New("alert threshold not found")
	ErrAlertNotFound     = errors.New("alert not found")
)

const (
	DefaultInterval          = 60 * time.Second
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultAnomalyDeviations = 3.0
	DefaultAnomalyMinSamples = 6
	DefaultAnomalyWindow     = 7 * 24 // hours of history used as the baseline
)

// Alert is one triggered threshold or detected anomaly.
type Alert struct {
	ID             string         `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	ThresholdID    string         `json:"threshold_id"`
	Metric         string         `json:"metric"`
	Value          float64        `json:"value"`
	ThresholdValue float64        `json:"threshold_value"`
	Operator       Operator       `json:"operator"`
	Severity       types.Severity `json:"severity"`
	Message        string         `json:"message"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// MetricsSource is what the service polls.
type MetricsSource interface {
	Current() metrics.Snapshot
	History(ctx context.Context, hours int) ([]metrics.Snapshot, error)
}

// Config holds configuration for the Service
type Config struct {
	Source   MetricsSource
	Notifier monitoring.Alerter // Optional

	Interval  time.Duration // Evaluation period (default: 60s)
	Retention time.Duration // Alerts older than this are pruned (default: 7 days)

	// Anomaly detection compares these metric paths to the mean and standard
	// deviation of their stored history. Empty disables detection.
	AnomalyMetrics    []string
	AnomalyDeviations float64 // default: 3
	AnomalyMinSamples int     // default: 6
	AnomalyWindow     int     // hours of history (default: 168)

	Logger zerolog.Logger
}

// Service owns thresholds and alerts.
type Service struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.RWMutex
	thresholds map[string]Threshold
	programs   map[string]*vm.Program // metric path -> compiled lookup
	alerts     []Alert
	open       map[string]string // threshold id -> unacknowledged alert id

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	now func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.AnomalyDeviations <= 0 {
		cfg.AnomalyDeviations = DefaultAnomalyDeviations
	}
	if cfg.AnomalyMinSamples <= 1 {
		cfg.AnomalyMinSamples = DefaultAnomalyMinSamples
	}
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = DefaultAnomalyWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "alert_service").Logger(),
		thresholds: make(map[string]Threshold),
		programs:   make(map[string]*vm.Program),
		open:       make(map[string]string),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
	}
}

// AddThreshold validates t, assigns it an id and stores it.
func (s *Service) AddThreshold(t Threshold) (Threshold, error) {
	if err := t.Validate(); err != nil {
		return Threshold{}, err
	}
	program, err := compilePath(t.Metric)
	if err != nil {
		return Threshold{}, err
	}

	now := s.now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.mu.Lock()
	s.thresholds[t.ID] = t
	s.programs[t.Metric] = program
	s.mu.Unlock()

	s.logger.Info().
		Str("threshold_id", t.ID).
		Str("metric", t.Metric).
		Str("operator", string(t.Operator)).
		Float64("value", t.Value).
		Str("severity", string(t.Severity)).
		Msg("Alert threshold added")
	return t, nil
}

// UpdateThreshold replaces the definition of an existing threshold.
func (s *Service) UpdateThreshold(id string, t Threshold) (Threshold, error) {
	if err := t.Validate(); err != nil {
		return Threshold{}, err
	}
	program, err := compilePath(t.Metric)
	if err != nil {
		return Threshold{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.thresholds[id]
	if !ok {
		return Threshold{}, ErrThresholdNotFound
	}
	t.ID = id
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = s.now().UTC()
	s.thresholds[id] = t
	s.programs[t.Metric] = program
	if existing.Metric != t.Metric {
		s.releaseProgramLocked(existing.Metric)
	}
	return t, nil
}

// DeleteThreshold removes a threshold. Alerts it raised are kept.
func (s *Service) DeleteThreshold(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.thresholds[id]
	if !ok {
		return ErrThresholdNotFound
	}
	delete(s.thresholds, id)
	delete(s.open, id)
	s.releaseProgramLocked(t.Metric)
	return nil
}

// releaseProgramLocked drops the compiled lookup for metric once no threshold
// and no anomaly check reads it.
func (s *Service) releaseProgramLocked(metric string) {
	for _, t := range s.thresholds {
		if t.Metric == metric {
			return
		}
	}
	if slices.Contains(s.cfg.AnomalyMetrics, metric) {
		return
	}
	delete(s.programs, metric)
}

func (s *Service) Threshold(id string) (Threshold, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.thresholds[id]
	if !ok {
		return Threshold{}, ErrThresholdNotFound
	}
	return t, nil
}

// Thresholds lists thresholds ordered by creation time.
func (s *Service) Thresholds() []Threshold {
	s.mu.RLock()
	out := make([]Threshold, 0, len(s.thresholds))
	for _, t := range s.thresholds {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// InstallDefaults adds DefaultThresholds when no threshold exists yet.
func (s *Service) InstallDefaults() error {
	s.mu.RLock()
	n := len(s.thresholds)
	s.mu.RUnlock()
	if n > 0 {
		return nil
	}

	for _, t := range DefaultThresholds() {
		if _, err := s.AddThreshold(t); err != nil {
			return fmt.Errorf("failed to install default threshold %s: %w", t.Metric, err)
		}
	}
	return nil
}

// Evaluate checks every enabled threshold against the current metrics and
// returns the alerts raised. A threshold that already has an unacknowledged
// alert does not raise another one.
func (s *Service) Evaluate(ctx context.Context) []Alert {
	snapshot := s.cfg.Source.Current()
	fields, err := snapshot.Fields()
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to read metrics for alert evaluation", nil)
		return nil
	}

	var raised []Alert

	s.mu.Lock()
	for _, t := range s.thresholds {
		if !t.Enabled {
			continue
		}
		if _, open := s.open[t.ID]; open {
			continue
		}

		observed, err := lookup(s.programs[t.Metric], fields)
		if err != nil {
			s.logger.Debug().
				Err(err).
				Str("threshold_id", t.ID).
				Str("metric", t.Metric).
				Msg("Metric unavailable for threshold")
			continue
		}
		if !t.Operator.Compare(observed, t.Value) {
			continue
		}

		raised = append(raised, s.raiseLocked(Alert{
			ThresholdID:    t.ID,
			Metric:         t.Metric,
			Value:          observed,
			ThresholdValue: t.Value,
			Operator:       t.Operator,
			Severity:       t.Severity,
			Message:        thresholdMessage(t, observed),
		}))
	}
	s.mu.Unlock()

	anomalies := s.DetectAnomalies(ctx, fields)
	raised = append(raised, anomalies...)

	for _, a := range raised {
		s.notify(a)
	}
	return raised
}

func thresholdMessage(t Threshold, observed float64) string {
	if t.Description != "" {
		return fmt.Sprintf("%s (%s = %g, threshold %s %g)", t.Description, t.Metric, observed, t.Operator, t.Value)
	}
	return fmt.Sprintf("%s = %g, threshold %s %g", t.Metric, observed, t.Operator, t.Value)
}

// DetectAnomalies flags configured metrics whose current value deviates from
// the stored history by more than AnomalyDeviations standard deviations.
// Raised alerts are returned but not yet sent to the notifier.
func (s *Service) DetectAnomalies(ctx context.Context, current map[string]any) []Alert {
	if len(s.cfg.AnomalyMetrics) == 0 {
		return nil
	}

	history, err := s.cfg.Source.History(ctx, s.cfg.AnomalyWindow)
	if err != nil {
		monitoring.LogError(s.logger, err, "Failed to load metric history for anomaly detection", nil)
		return nil
	}
	if len(history) < s.cfg.AnomalyMinSamples {
		return nil
	}

	baseline := make([]map[string]any, 0, len(history))
	for _, snap := range history {
		if f, err := snap.Fields(); err == nil {
			baseline = append(baseline, f)
		}
	}

	var raised []Alert
	for _, path := range s.cfg.AnomalyMetrics {
		key := "anomaly:" + path

		program, err := s.program(path)
		if err != nil {
			continue
		}
		observed, err := lookup(program, current)
		if err != nil {
			continue
		}

		values := make([]float64, 0, len(baseline))
		for _, f := range baseline {
			if v, err := lookup(program, f); err == nil {
				values = append(values, v)
			}
		}
		if len(values) < s.cfg.AnomalyMinSamples {
			continue
		}

		mean, stddev := meanStdDev(values)
		if stddev == 0 {
			continue
		}
		deviations := math.Abs(observed-mean) / stddev
		if deviations <= s.cfg.AnomalyDeviations {
			continue
		}

		s.mu.Lock()
		if _, open := s.open[key]; !open {
			raised = append(raised, s.raiseLocked(Alert{
				ThresholdID:    key,
				Metric:         path,
				Value:          observed,
				ThresholdValue: mean,
				Severity:       types.SeverityWarning,
				Message: fmt.Sprintf("%s = %g deviates %.1f standard deviations from its mean %g",
					path, observed, deviations, mean),
			}))
		}
		s.mu.Unlock()
	}
	return raised
}

func (s *Service) program(path string) (*vm.Program, error) {
	s.mu.RLock()
	p, ok := s.programs[path]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compilePath(path)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.programs[path] = p
	s.mu.Unlock()
	return p, nil
}

func meanStdDev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func (s *Service) raiseLocked(a Alert) Alert {
	a.ID = uuid.NewString()
	a.Timestamp = s.now().UTC()
	s.alerts = append(s.alerts, a)
	s.open[a.ThresholdID] = a.ID

	monitoring.RecordAlertRaised(string(a.Severity))
	s.logger.Warn().
		Str("alert_id", a.ID).
		Str("threshold_id", a.ThresholdID).
		Str("metric", a.Metric).
		Float64("value", a.Value).
		Str("severity", string(a.Severity)).
		Msg("Alert raised")
	return a
}

func (s *Service) notify(a Alert) {
	if s.cfg.Notifier == nil {
		return
	}
	s.cfg.Notifier.Alert(a.Severity, a.Message, map[string]any{
		"alert_id":        a.ID,
		"threshold_id":    a.ThresholdID,
		"metric":          a.Metric,
		"value":           a.Value,
		"threshold_value": a.ThresholdValue,
	})
}

// Acknowledge marks an alert as acknowledged, which also allows its
// threshold to raise again.
func (s *Service) Acknowledge(id string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		a := &s.alerts[i]
		if a.ID != id {
			continue
		}
		if !a.Acknowledged {
			now := s.now().UTC()
			a.Acknowledged = true
			a.AcknowledgedAt = &now
			if s.open[a.ThresholdID] == a.ID {
				delete(s.open, a.ThresholdID)
			}
		}
		return *a, nil
	}
	return Alert{}, ErrAlertNotFound
}

// Alerts lists alerts newest first. Acknowledged alerts are only included
// when requested.
func (s *Service) Alerts(includeAcknowledged bool) []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		if s.alerts[i].Acknowledged && !includeAcknowledged {
			continue
		}
		out = append(out, s.alerts[i])
	}
	return out
}

// Prune drops alerts older than the retention window.
func (s *Service) Prune() int {
	cutoff := s.now().Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.alerts[:0]
	for _, a := range s.alerts {
		if a.Timestamp.Before(cutoff) {
			if s.open[a.ThresholdID] == a.ID {
				delete(s.open, a.ThresholdID)
			}
			continue
		}
		kept = append(kept, a)
	}
	pruned := len(s.alerts) - len(kept)
	s.alerts = kept
	return pruned
}

// Start runs evaluation every Interval until Stop.
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("retention", s.cfg.Retention).
		Int("thresholds", len(s.Thresholds())).
		Strs("anomaly_metrics", s.cfg.AnomalyMetrics).
		Msg("Alert service started")
}

// Stop ends the evaluation loop and waits for it. Idempotent.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) loop() {
	// CRITICAL: Panic recovery must be FIRST defer (executes LAST in LIFO order)
	defer monitoring.RecoverPanic(s.logger, "alertEvaluation", nil)
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info().Msg("Alert service stopped")
			return
		case <-ticker.C:
			s.Evaluate(s.ctx)
			if n := s.Prune(); n > 0 {
				s.logger.Debug().Int("pruned", n).Msg("Pruned expired alerts")
			}
		}
	}
}
