// Package metrics records deployment outcomes in a Prometheus registry and
// writes them as a node_exporter textfile. Counters are carried from run to
// run through a small YAML state file, since every deployctl invocation is
// a new process.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// State is the cumulative part of a Recorder.
type State struct {
	Deployments map[string]float64 `yaml:"deployments"`
	Rollbacks   map[string]float64 `yaml:"rollbacks"`
	LastSuccess int64              `yaml:"last_success,omitempty"`
}

type Recorder struct {
	deployments   *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	phaseDuration *prometheus.GaugeVec
	lastSuccess   prometheus.Gauge
	registry      *prometheus.Registry
	name          string

	mu    sync.Mutex
	state State
	// lastSuccess is registered once there is a success to report.
	hasSuccess bool
}

// NewRecorder creates a recorder whose series are labelled with the
// managed process name.
func NewRecorder(name string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		name:     name,
		state:    State{Deployments: map[string]float64{}, Rollbacks: map[string]float64{}},
	}
	labels := prometheus.Labels{"process": name}

	r.deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "deployctl",
			Name:        "deployments_total",
			Help:        "Deployment attempts by outcome",
			ConstLabels: labels,
		},
		[]string{"outcome"},
	)
	r.rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "deployctl",
			Name:        "rollbacks_total",
			Help:        "Rollbacks by result",
			ConstLabels: labels,
		},
		[]string{"result"},
	)
	r.phaseDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   "deployctl",
			Name:        "phase_duration_seconds",
			Help:        "Duration of each phase of the most recent run",
			ConstLabels: labels,
		},
		[]string{"phase"},
	)
	r.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "deployctl",
		Name:        "last_success_timestamp_seconds",
		Help:        "Unix time of the last successful deployment",
		ConstLabels: labels,
	})

	r.registry.MustRegister(r.deployments, r.rollbacks, r.phaseDuration)
	return r
}

func (r *Recorder) ObservePhase(phase string, d time.Duration) {
	r.phaseDuration.WithLabelValues(phase).Set(d.Seconds())
}

func (r *Recorder) Outcome(outcome string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments.WithLabelValues(outcome).Inc()
	r.state.Deployments[outcome]++
	if outcome == "success" {
		r.setLastSuccess(at.Unix())
	}
}

func (r *Recorder) Rollback(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks.WithLabelValues(result).Inc()
	r.state.Rollbacks[result]++
}

// setLastSuccess must be called with mu held.
func (r *Recorder) setLastSuccess(unix int64) {
	if !r.hasSuccess {
		r.registry.MustRegister(r.lastSuccess)
		r.hasSuccess = true
	}
	r.lastSuccess.Set(float64(unix))
	r.state.LastSuccess = unix
}

func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Snapshot returns a copy of the cumulative counters.
func (r *Recorder) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := State{
		Deployments: make(map[string]float64, len(r.state.Deployments)),
		Rollbacks:   make(map[string]float64, len(r.state.Rollbacks)),
		LastSuccess: r.state.LastSuccess,
	}
	for k, v := range r.state.Deployments {
		out.Deployments[k] = v
	}
	for k, v := range r.state.Rollbacks {
		out.Rollbacks[k] = v
	}
	return out
}

// Load adds the counters stored at path. A missing file is not an error.
func (r *Recorder) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for outcome, v := range st.Deployments {
		if v > 0 {
			r.deployments.WithLabelValues(outcome).Add(v)
			r.state.Deployments[outcome] += v
		}
	}
	for result, v := range st.Rollbacks {
		if v > 0 {
			r.rollbacks.WithLabelValues(result).Add(v)
			r.state.Rollbacks[result] += v
		}
	}
	if st.LastSuccess > r.state.LastSuccess {
		r.setLastSuccess(st.LastSuccess)
	}
	return nil
}

// Save replaces the state file at path atomically.
func (r *Recorder) Save(path string) error {
	data, err := yaml.Marshal(r.Snapshot())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WriteTextfile writes every series to path atomically. An empty path is a
// no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
