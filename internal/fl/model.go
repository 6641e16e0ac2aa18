// Package fl runs the federated-learning plane: it coordinates rounds
// against a population of worker nodes, combines their gradient updates
// under Byzantine-robust, differentially-private aggregation, and publishes
// the global anomaly-detection model the monitor scores against.
package fl

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// RoundState tracks a round through its lifecycle:
// open -> collecting -> aggregating -> published | aborted.
type RoundState string

const (
	RoundOpen        RoundState = "open"
	RoundCollecting  RoundState = "collecting"
	RoundAggregating RoundState = "aggregating"
	RoundPublished   RoundState = "published"
	RoundAborted     RoundState = "aborted"
)

// ClientUpdate is one signed gradient submission. Immutable once accepted.
type ClientUpdate struct {
	RoundID     string              `json:"round_id"`
	ClientID    string              `json:"client_id"`
	Gradient    *CompressedGradient `json:"gradient"`
	SampleCount int                 `json:"sample_count"`
	Signature   []byte              `json:"signature"`
	// LossImprovement is the client's self-reported validation-loss delta
	// since its last participation; convergence-weighted sampling reads it.
	LossImprovement float64   `json:"loss_improvement,omitempty"`
	ReceivedAt      time.Time `json:"received_at,omitempty"`
}

// TrainingConfig is the fan-out message opening a round for a client.
type TrainingConfig struct {
	RoundID      string            `json:"round_id"`
	ModelVersion uint64            `json:"model_version"`
	Weights      []float64         `json:"weights"`
	Deadline     time.Time         `json:"deadline"`
	Compression  CompressionScheme `json:"compression"`
	TopKFraction float64           `json:"topk_fraction,omitempty"`
	ClipNorm     float64           `json:"clip_norm,omitempty"`
	MaxSamples   int               `json:"max_samples"`
}

// Round is the aggregator's view of one collection cycle.
type Round struct {
	ID               string     `json:"id"`
	Number           uint64     `json:"number"`
	State            RoundState `json:"state"`
	SelectedClients  []string   `json:"selected_clients"`
	Deadline         time.Time  `json:"deadline"`
	ModelVersion     uint64     `json:"model_version"`
	ReceivedUpdates  int        `json:"received_updates"`
	BankedUpdates    int        `json:"banked_updates,omitempty"`
	AggregatedAt     *time.Time `json:"aggregated_at,omitempty"`
	PublishedVersion *uint64    `json:"published_version,omitempty"`
	AbortReason      string     `json:"abort_reason,omitempty"`
	OpenedAt         time.Time  `json:"opened_at"`
}

// GlobalModel is one published version of the anomaly-detection weights.
// Versions are strictly monotonic; old versions stay readable for the
// straggler window.
type GlobalModel struct {
	Version         uint64    `json:"version"`
	Weights         []float64 `json:"weights"`
	TrainedOnRounds []string  `json:"trained_on_rounds"`
	PublishedAt     time.Time `json:"published_at"`
}

// Clone returns a deep copy so callers can hand the model across goroutines
// without aliasing the store's snapshot.
func (m *GlobalModel) Clone() *GlobalModel {
	if m == nil {
		return nil
	}
	out := &GlobalModel{
		Version:         m.Version,
		Weights:         append([]float64(nil), m.Weights...),
		TrainedOnRounds: append([]string(nil), m.TrainedOnRounds...),
		PublishedAt:     m.PublishedAt,
	}
	return out
}

// Dimension returns the weight-vector length.
func (m *GlobalModel) Dimension() int {
	return len(m.Weights)
}

// ModelStore holds the current global model behind an atomically swappable
// snapshot. Readers never take a lock on the hot path; the retained ring
// keeps older versions alive for in-flight stragglers.
type ModelStore struct {
	current atomic.Pointer[GlobalModel]

	mu       sync.Mutex
	retained []*GlobalModel
	window   int
}

// NewModelStore seeds the store with an initial model. window bounds how
// many superseded versions stay readable.
func NewModelStore(initial *GlobalModel, window int) *ModelStore {
	if window < 1 {
		window = 1
	}
	s := &ModelStore{window: window}
	s.current.Store(initial)
	s.retained = []*GlobalModel{initial}
	return s
}

// ZeroModel builds the version-0 model all aggregators start from.
func ZeroModel(dimension int) *GlobalModel {
	return &GlobalModel{
		Version:     0,
		Weights:     make([]float64, dimension),
		PublishedAt: time.Now().UTC(),
	}
}

// Current returns the live snapshot. The returned model must be treated as
// immutable.
func (s *ModelStore) Current() *GlobalModel {
	return s.current.Load()
}

// Publish swaps in the new model and retires versions past the straggler
// window. The new version must exceed the current one.
func (s *ModelStore) Publish(m *GlobalModel) bool {
	cur := s.current.Load()
	if cur != nil && m.Version <= cur.Version {
		return false
	}

	s.mu.Lock()
	s.retained = append(s.retained, m)
	if len(s.retained) > s.window {
		s.retained = s.retained[len(s.retained)-s.window:]
	}
	s.mu.Unlock()

	s.current.Store(m)
	return true
}

// Version returns a retained model by version, for stragglers still
// training against an older fan-out.
func (s *ModelStore) Version(v uint64) (*GlobalModel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.retained) - 1; i >= 0; i-- {
		if s.retained[i].Version == v {
			return s.retained[i], true
		}
	}
	return nil, false
}

// ScoreResult is one anomaly score read off the current model.
type ScoreResult struct {
	Score        float64 `json:"score"`
	ModelVersion uint64  `json:"model_version"`
}

// Score runs the model over a feature vector and squashes the response to
// [0, 1]. Non-finite inputs score zero: a broken feature must not fabricate
// an anomaly.
func (s *ModelStore) Score(features []float64) ScoreResult {
	m := s.current.Load()
	if m == nil || len(m.Weights) == 0 {
		return ScoreResult{}
	}

	n := len(features)
	if len(m.Weights) < n {
		n = len(m.Weights)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += m.Weights[i] * features[i]
	}
	if math.IsNaN(dot) || math.IsInf(dot, 0) {
		return ScoreResult{ModelVersion: m.Version}
	}
	return ScoreResult{
		Score:        1.0 / (1.0 + math.Exp(-dot)),
		ModelVersion: m.Version,
	}
}

// ObservationFeatures lays out the feature vector the monitor and the
// training clients share: windowed summary statistics normalized by the
// active threshold, padded with zeros to the model dimension.
func ObservationFeatures(dimension int, threshold, mean, p50, p95, p99, min, max float64, count int) []float64 {
	denom := math.Abs(threshold)
	if denom < 1e-9 {
		denom = 1
	}
	raw := []float64{
		mean / denom,
		p50 / denom,
		p95 / denom,
		p99 / denom,
		min / denom,
		max / denom,
		float64(count),
		1,
	}
	if dimension <= 0 {
		dimension = len(raw)
	}
	features := make([]float64, dimension)
	copy(features, raw)
	return features
}
