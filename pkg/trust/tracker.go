package trust

import (
	"flag"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUpdatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "trust_updates_applied_total",
		Help:      "Total number of trust updates applied to the tracker.",
	})
	metricDecaysApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "trust_decays_applied_total",
		Help:      "Total number of decay operations applied to the tracker.",
	})
)

const (
	// DefaultZScore is the z used for confidence intervals when the caller
	// passes zero.
	DefaultZScore = 1.96

	defaultMaxHistory = 100
)

// TrackerConfig bounds per-key history retention.
type TrackerConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// RegisterFlagsAndApplyDefaults registers tracker flags with the given prefix.
func (cfg *TrackerConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxHistory, prefix+"max-history", defaultMaxHistory, "Maximum trust history entries retained per key.")
}

// Update is one piece of success/failure evidence for a key.
type Update struct {
	Key       string
	Succeeded bool
	Weight    float64
}

// HistoryPoint records the posterior mean observed at a point in time.
type HistoryPoint struct {
	Time time.Time
	Mean float64
}

type betaState struct {
	alpha float64
	beta  float64
}

// Tracker maintains a Beta(α,β) posterior per key. All methods are safe for
// concurrent use; batch operations take the lock once.
type Tracker struct {
	mtx sync.Mutex

	cfg    TrackerConfig
	logger log.Logger

	stats      map[string]*betaState
	lastUpdate map[string]time.Time
	history    map[string][]HistoryPoint

	// cached posterior means, invalidated per key on mutation
	cache map[string]float64
}

// NewTracker returns a Tracker with the prior Beta(1,1) for unseen keys.
func NewTracker(cfg TrackerConfig, logger log.Logger) *Tracker {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}

	return &Tracker{
		cfg:        cfg,
		logger:     logger,
		stats:      make(map[string]*betaState),
		lastUpdate: make(map[string]time.Time),
		history:    make(map[string][]HistoryPoint),
		cache:      make(map[string]float64),
	}
}

// Update folds one piece of evidence into the posterior for key.
// Non-positive weights are ignored.
func (t *Tracker) Update(key string, succeeded bool, weight float64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.applyUpdate(key, succeeded, weight, time.Now())
}

// BatchUpdate applies every update under a single critical section. History
// entries are appended in input order and share one timestamp.
func (t *Tracker) BatchUpdate(updates []Update) {
	if len(updates) == 0 {
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	now := time.Now()
	for _, u := range updates {
		t.applyUpdate(u.Key, u.Succeeded, u.Weight, now)
	}
}

func (t *Tracker) applyUpdate(key string, succeeded bool, weight float64, now time.Time) {
	if weight <= 0 {
		return
	}

	s := t.state(key)
	if succeeded {
		s.alpha += weight
	} else {
		s.beta += weight
	}

	mean := s.alpha / (s.alpha + s.beta)
	t.history[key] = append(t.history[key], HistoryPoint{Time: now, Mean: mean})
	if len(t.history[key]) > t.cfg.MaxHistory {
		t.history[key] = t.history[key][len(t.history[key])-t.cfg.MaxHistory:]
	}
	t.lastUpdate[key] = now
	delete(t.cache, key)

	metricUpdatesApplied.Inc()
}

// state returns the posterior for key, creating it with the prior if needed.
// Callers must hold the lock.
func (t *Tracker) state(key string) *betaState {
	s, ok := t.stats[key]
	if !ok {
		s = &betaState{alpha: 1.0, beta: 1.0}
		t.stats[key] = s
	}
	return s
}

// Trust returns the posterior mean for key.
func (t *Tracker) Trust(key string) float64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return t.trustLocked(key)
}

// TrustBatch returns posterior means for every key under one critical section.
func (t *Tracker) TrustBatch(keys []string) map[string]float64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		out[k] = t.trustLocked(k)
	}
	return out
}

func (t *Tracker) trustLocked(key string) float64 {
	if mean, ok := t.cache[key]; ok {
		return mean
	}

	s := t.state(key)
	mean := s.alpha / (s.alpha + s.beta)
	t.cache[key] = mean
	return mean
}

// ConfidenceInterval returns the z-score interval around the posterior mean,
// clipped to [0,1]. Pass z <= 0 for the default 1.96.
func (t *Tracker) ConfidenceInterval(key string, z float64) (float64, float64) {
	if z <= 0 {
		z = DefaultZScore
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	s := t.state(key)
	total := s.alpha + s.beta
	mean := s.alpha / total
	se := math.Sqrt(mean * (1 - mean) / total)

	lo := math.Max(0, mean-z*se)
	hi := math.Min(1, mean+z*se)
	return lo, hi
}

// ConfidenceStrength maps the effective sample size through a logistic so
// callers can judge how much history backs the current estimate.
func (t *Tracker) ConfidenceStrength(key string) float64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	s := t.state(key)
	n := s.alpha + s.beta - 2
	return 1.0 / (1.0 + math.Exp(-0.1*(n-10)))
}

// ApplyDecay shrinks the posterior for key toward the prior if its sample
// count exceeds minCount. Factor must be in (0,1].
func (t *Tracker) ApplyDecay(key string, factor float64, minCount float64) {
	if factor <= 0 || factor > 1 {
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.decayLocked(key, factor, minCount)
}

// ApplyGlobalDecay decays every known key under a single critical section.
func (t *Tracker) ApplyGlobalDecay(factor float64, minCount float64) {
	if factor <= 0 || factor > 1 {
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for key := range t.stats {
		t.decayLocked(key, factor, minCount)
	}
}

func (t *Tracker) decayLocked(key string, factor float64, minCount float64) {
	s, ok := t.stats[key]
	if !ok {
		return
	}

	if s.alpha+s.beta <= minCount {
		return
	}

	s.alpha = math.Max(1, s.alpha*factor)
	s.beta = math.Max(1, s.beta*factor)
	delete(t.cache, key)

	metricDecaysApplied.Inc()
}

// PurgeOldTimestamps truncates each history to its most recent maxHistory
// entries. Histories may end up shorter than the total update count.
func (t *Tracker) PurgeOldTimestamps(maxHistory int) {
	if maxHistory <= 0 {
		return
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	for key, h := range t.history {
		if len(h) > maxHistory {
			t.history[key] = h[len(h)-maxHistory:]
		}
	}
}

// Len returns the number of keys the tracker knows about.
func (t *Tracker) Len() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return len(t.stats)
}

// Keys returns every known key.
func (t *Tracker) Keys() []string {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	keys := make([]string, 0, len(t.stats))
	for k := range t.stats {
		keys = append(keys, k)
	}
	return keys
}

// History returns a copy of the recorded history for key.
func (t *Tracker) History(key string) []HistoryPoint {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	h := t.history[key]
	out := make([]HistoryPoint, len(h))
	copy(out, h)
	return out
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type trackerExport struct {
	Stats      map[string][2]float64       `json:"stats"`
	LastUpdate map[string]float64          `json:"last_update"`
	Timestamps map[string]timestampHistory `json:"timestamps"`
	ExportTime float64                     `json:"export_time"`
}

// timestampHistory is serialised as {"times": [...], "values": [...]} but
// accepts the legacy [[t,mean],...] encoding on import.
type timestampHistory struct {
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

func (h *timestampHistory) UnmarshalJSON(data []byte) error {
	type current timestampHistory
	var c current
	if err := json.Unmarshal(data, &c); err == nil {
		h.Times = c.Times
		h.Values = c.Values
		return nil
	}

	var pairs [][2]float64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}

	h.Times = make([]float64, 0, len(pairs))
	h.Values = make([]float64, 0, len(pairs))
	for _, p := range pairs {
		h.Times = append(h.Times, p[0])
		h.Values = append(h.Values, p[1])
	}
	return nil
}

// ExportToFile persists the tracker state as JSON using a
// write-temp-then-rename discipline.
func (t *Tracker) ExportToFile(path string) error {
	t.mtx.Lock()
	doc := trackerExport{
		Stats:      make(map[string][2]float64, len(t.stats)),
		LastUpdate: make(map[string]float64, len(t.lastUpdate)),
		Timestamps: make(map[string]timestampHistory, len(t.history)),
		ExportTime: float64(time.Now().Unix()),
	}
	for k, s := range t.stats {
		doc.Stats[k] = [2]float64{s.alpha, s.beta}
	}
	for k, ts := range t.lastUpdate {
		doc.LastUpdate[k] = float64(ts.Unix())
	}
	for k, h := range t.history {
		th := timestampHistory{
			Times:  make([]float64, 0, len(h)),
			Values: make([]float64, 0, len(h)),
		}
		for _, p := range h {
			th.Times = append(th.Times, float64(p.Time.UnixNano())/float64(time.Second))
			th.Values = append(th.Values, p.Mean)
		}
		doc.Timestamps[k] = th
	}
	t.mtx.Unlock()

	buff, err := json.Marshal(&doc)
	if err != nil {
		return errors.Wrap(err, "marshaling tracker state")
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.Wrap(err, "creating tracker export dir")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buff, 0o644); err != nil {
		return errors.Wrap(err, "writing tracker export")
	}

	return errors.Wrap(os.Rename(tmp, path), "renaming tracker export")
}

// ImportFromFile replaces all in-memory state with the contents of path.
// On any failure the prior state is left untouched.
func (t *Tracker) ImportFromFile(path string) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		level.Warn(t.logger).Log("msg", "failed to read tracker import", "path", path, "err", err)
		return errors.Wrap(err, "reading tracker import")
	}

	var doc trackerExport
	if err := json.Unmarshal(buff, &doc); err != nil {
		level.Warn(t.logger).Log("msg", "failed to parse tracker import", "path", path, "err", err)
		return errors.Wrap(err, "parsing tracker import")
	}

	stats := make(map[string]*betaState, len(doc.Stats))
	for k, ab := range doc.Stats {
		stats[k] = &betaState{alpha: math.Max(1, ab[0]), beta: math.Max(1, ab[1])}
	}

	lastUpdate := make(map[string]time.Time, len(doc.LastUpdate))
	for k, ts := range doc.LastUpdate {
		lastUpdate[k] = time.Unix(int64(ts), 0)
	}

	history := make(map[string][]HistoryPoint, len(doc.Timestamps))
	for k, th := range doc.Timestamps {
		n := len(th.Times)
		if len(th.Values) < n {
			n = len(th.Values)
		}
		h := make([]HistoryPoint, 0, n)
		for i := 0; i < n; i++ {
			h = append(h, HistoryPoint{
				Time: time.Unix(0, int64(th.Times[i]*float64(time.Second))),
				Mean: th.Values[i],
			})
		}
		history[k] = h
	}

	t.mtx.Lock()
	t.stats = stats
	t.lastUpdate = lastUpdate
	t.history = history
	t.cache = make(map[string]float64)
	t.mtx.Unlock()

	return nil
}
