package observe

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"constph/internal/drive"
	"constph/internal/model"
)

const (
	metricsNamespace = "constph"
	attemptSubsystem = "titration"
	samsSubsystem    = "calibration"
)

var stages = []model.Stage{model.StageBurnIn, model.StageSlowGain, model.StageFastGain, model.StageConverged}

// Metrics exports driver events as Prometheus series.
type Metrics struct {
	// AttemptsTotal counts counted attempts.
	// Labels: run_id, outcome (accepted, rejected)
	AttemptsTotal *prometheus.CounterVec

	// Work records the dimensionless protocol work of each attempt.
	// Labels: run_id
	Work *prometheus.HistogramVec

	// Adaptation is the calibration step counter; negative during burn-in.
	Adaptation *prometheus.GaugeVec

	// Stage is 1 for the active calibration stage and 0 for the others.
	// Labels: run_id, stage
	Stage *prometheus.GaugeVec

	// Weight is the current bias weight of each calibrated state.
	// Labels: run_id, state
	Weight *prometheus.GaugeVec

	Flatness *prometheus.GaugeVec
}

// NewMetrics registers the series on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: attemptSubsystem,
			Name:      "attempts_total",
			Help:      "Counted titration attempts by outcome",
		}, []string{"run_id", "outcome"}),
		Work: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: attemptSubsystem,
			Name:      "work",
			Help:      "Protocol work of titration attempts in units of kT",
			Buckets:   []float64{-20, -10, -5, -2, -1, 0, 1, 2, 5, 10, 20},
		}, []string{"run_id"}),
		Adaptation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: samsSubsystem,
			Name:      "adaptation",
			Help:      "Calibration step counter, negative during burn-in",
		}, []string{"run_id"}),
		Stage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: samsSubsystem,
			Name:      "stage",
			Help:      "Active calibration stage",
		}, []string{"run_id", "stage"}),
		Weight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: samsSubsystem,
			Name:      "weight",
			Help:      "Calibrated bias weight per state",
		}, []string{"run_id", "state"}),
		Flatness: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: samsSubsystem,
			Name:      "flatness",
			Help:      "Largest deviation of the stage histogram from the target weights",
		}, []string{"run_id"}),
	}
}

func (m *Metrics) OnAttempt(e drive.AttemptEvent) {
	outcome := "rejected"
	if e.Accepted {
		outcome = "accepted"
	}
	m.AttemptsTotal.WithLabelValues(e.RunID, outcome).Inc()
	m.Work.WithLabelValues(e.RunID).Observe(e.Work)
}

func (m *Metrics) OnCalibration(e drive.CalibrationEvent) {
	m.Adaptation.WithLabelValues(e.RunID).Set(float64(e.Adaptation))
	m.Flatness.WithLabelValues(e.RunID).Set(e.Flatness)
	for _, s := range stages {
		v := 0.0
		if s == e.Stage {
			v = 1
		}
		m.Stage.WithLabelValues(e.RunID, string(s)).Set(v)
	}
	for i, w := range e.Weights {
		m.Weight.WithLabelValues(e.RunID, strconv.Itoa(i)).Set(w)
	}
}
