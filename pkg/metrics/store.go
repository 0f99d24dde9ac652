package metrics

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRecordsStored = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hindcast",
	Name:      "metric_records_stored_total",
	Help:      "Total number of metric records persisted.",
})

// Cost statuses returned by TrackCost.
const (
	CostOK       = "ok"
	CostWarning  = "warning"
	CostCritical = "critical"
	CostShutdown = "shutdown"
)

const (
	metricsDir  = "metrics"
	indicesDir  = "indices"
	metadataDir = "metadata"

	indexFilename   = "metric_indices.json"
	summaryFilename = "summary.json"
)

// CostThresholds configure the escalating statuses returned by TrackCost.
type CostThresholds struct {
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
	Shutdown float64 `yaml:"shutdown"`
}

// StoreConfig configures the on-disk metric store.
type StoreConfig struct {
	Root             string         `yaml:"root"`
	MaxCacheSize     int            `yaml:"max_cache_size"`
	Compression      bool           `yaml:"compression"`
	CompressionLevel int            `yaml:"compression_level"`
	Costs            CostThresholds `yaml:"cost_thresholds"`
}

// RegisterFlagsAndApplyDefaults registers store flags with the given prefix.
func (cfg *StoreConfig) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Root, prefix+"root", "./metrics-store", "Root directory for metric files and indices.")
	f.IntVar(&cfg.MaxCacheSize, prefix+"max-cache-size", 1000, "Maximum metric records held in the in-memory cache.")
	f.BoolVar(&cfg.Compression, prefix+"compression", true, "Gzip metric files on disk.")
	f.IntVar(&cfg.CompressionLevel, prefix+"compression-level", gzip.DefaultCompression, "Gzip level for metric files.")
	cfg.Costs = CostThresholds{Warning: 10, Critical: 50, Shutdown: 100}
}

func (cfg *StoreConfig) applyDefaults() {
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 1000
	}
	if cfg.CompressionLevel == 0 {
		cfg.CompressionLevel = gzip.DefaultCompression
	}
	if cfg.Costs == (CostThresholds{}) {
		cfg.Costs = CostThresholds{Warning: 10, Critical: 50, Shutdown: 100}
	}
}

type indexSet struct {
	ByType  map[string][]string `json:"by_type"`
	ByModel map[string][]string `json:"by_model"`
	ByDate  map[string][]string `json:"by_date"`
	ByTag   map[string][]string `json:"by_tag"`
}

func newIndexSet() *indexSet {
	return &indexSet{
		ByType:  make(map[string][]string),
		ByModel: make(map[string][]string),
		ByDate:  make(map[string][]string),
		ByTag:   make(map[string][]string),
	}
}

type summary struct {
	TotalMetrics int       `json:"total_metrics"`
	FirstMetric  time.Time `json:"first_metric,omitempty"`
	LastMetric   time.Time `json:"last_metric,omitempty"`
	TotalCost    float64   `json:"total_cost"`
	APICalls     int       `json:"api_calls"`
	TokenUsage   int       `json:"token_usage"`
}

// CostStatus is returned by TrackCost.
type CostStatus struct {
	TotalCost  float64 `json:"total_cost"`
	APICalls   int     `json:"api_calls"`
	TokenUsage int     `json:"token_usage"`
	Status     string  `json:"status"`
}

// Query selects records by the intersection of its non-empty filters.
// Multiple values within one filter select the union for that filter.
type Query struct {
	Types  []string
	Models []string
	Tags   []string
	Start  time.Time
	End    time.Time
	Limit  int
}

// Store persists metric records on disk, keyed by id with four inverted
// indices. Index and summary mutation happens under one lock; record file
// reads do not take it.
type Store struct {
	mtx sync.Mutex

	cfg    StoreConfig
	logger log.Logger

	indices *indexSet
	summary summary

	cache      map[string]*Record
	cacheOrder []string
}

// NewStore opens (or creates) a metric store rooted at cfg.Root.
func NewStore(cfg StoreConfig, logger log.Logger) (*Store, error) {
	cfg.applyDefaults()

	for _, dir := range []string{metricsDir, indicesDir, metadataDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "creating metric store dirs")
		}
	}

	s := &Store{
		cfg:     cfg,
		logger:  logger,
		indices: newIndexSet(),
		cache:   make(map[string]*Record),
	}
	s.loadIndices()
	s.loadSummary()

	return s, nil
}

// loadIndices reads the persisted indices. Corruption yields empty indices
// with a logged warning, never an error.
func (s *Store) loadIndices() {
	buff, err := os.ReadFile(filepath.Join(s.cfg.Root, indicesDir, indexFilename))
	if err != nil {
		return
	}

	idx := newIndexSet()
	if err := json.Unmarshal(buff, idx); err != nil {
		level.Warn(s.logger).Log("msg", "corrupt metric indices, starting empty", "err", err)
		return
	}
	s.indices = idx
}

func (s *Store) loadSummary() {
	buff, err := os.ReadFile(filepath.Join(s.cfg.Root, metadataDir, summaryFilename))
	if err != nil {
		return
	}

	var sum summary
	if err := json.Unmarshal(buff, &sum); err != nil {
		level.Warn(s.logger).Log("msg", "corrupt metric summary, starting empty", "err", err)
		return
	}
	s.summary = sum
}

// StoreMetric persists the record, updates all four indices and the summary
// and returns the record id. Write failures propagate to the caller.
func (s *Store) StoreMetric(r *Record) (string, error) {
	r.EnsureDefaults()

	buff, err := json.Marshal(r)
	if err != nil {
		return "", errors.Wrap(err, "marshaling metric record")
	}

	if s.cfg.Compression {
		buff, err = gzipBytes(buff, s.cfg.CompressionLevel)
		if err != nil {
			return "", errors.Wrap(err, "compressing metric record")
		}
	}

	dir := filepath.Join(s.cfg.Root, metricsDir, prefixOf(r.ID))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", errors.Wrap(err, "creating metric shard dir")
	}
	if err := os.WriteFile(filepath.Join(dir, r.ID+".json"), buff, 0o644); err != nil {
		return "", errors.Wrap(err, "writing metric record")
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	appendIndex(s.indices.ByType, r.MetricType, r.ID)
	if r.Model != "" {
		appendIndex(s.indices.ByModel, r.Model, r.ID)
	}
	appendIndex(s.indices.ByDate, r.DateKey(), r.ID)
	for _, tag := range r.Tags {
		appendIndex(s.indices.ByTag, tag, r.ID)
	}

	s.summary.TotalMetrics++
	if s.summary.FirstMetric.IsZero() || r.Timestamp.Before(s.summary.FirstMetric) {
		s.summary.FirstMetric = r.Timestamp
	}
	if r.Timestamp.After(s.summary.LastMetric) {
		s.summary.LastMetric = r.Timestamp
	}
	s.summary.TotalCost += r.Cost
	s.summary.APICalls += r.APICalls
	s.summary.TokenUsage += r.TokenUsage

	s.cacheInsertLocked(r)
	s.persistIndicesLocked()

	metricRecordsStored.Inc()

	return r.ID, nil
}

// GetMetric returns the record for id, or nil when it does not exist.
func (s *Store) GetMetric(id string) (*Record, error) {
	s.mtx.Lock()
	if r, ok := s.cache[id]; ok {
		s.mtx.Unlock()
		return r, nil
	}
	s.mtx.Unlock()

	buff, err := os.ReadFile(filepath.Join(s.cfg.Root, metricsDir, prefixOf(id), id+".json"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading metric record")
	}

	buff, err = maybeGunzip(buff)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing metric record")
	}

	r := &Record{}
	if err := json.Unmarshal(buff, r); err != nil {
		return nil, errors.Wrap(err, "parsing metric record")
	}
	return r, nil
}

// QueryMetrics returns records matching the intersection of the query's
// filters, newest first. An empty query returns every indexed record.
func (s *Store) QueryMetrics(q Query) ([]*Record, error) {
	s.mtx.Lock()

	var sets []map[string]struct{}

	if len(q.Types) > 0 {
		sets = append(sets, unionOf(s.indices.ByType, q.Types))
	}
	if len(q.Models) > 0 {
		sets = append(sets, unionOf(s.indices.ByModel, q.Models))
	}
	if len(q.Tags) > 0 {
		sets = append(sets, unionOf(s.indices.ByTag, q.Tags))
	}
	if !q.Start.IsZero() || !q.End.IsZero() {
		sets = append(sets, s.dateRangeLocked(q.Start, q.End))
	}

	var ids map[string]struct{}
	if len(sets) == 0 {
		// no filters: union of everything indexed by type
		ids = make(map[string]struct{})
		for _, bucket := range s.indices.ByType {
			for _, id := range bucket {
				ids[id] = struct{}{}
			}
		}
	} else {
		ids = sets[0]
		for _, set := range sets[1:] {
			ids = intersect(ids, set)
		}
	}
	s.mtx.Unlock()

	records := make([]*Record, 0, len(ids))
	for id := range ids {
		r, err := s.GetMetric(id)
		if err != nil {
			return nil, err
		}
		if r != nil {
			records = append(records, r)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// dateRangeLocked collects ids whose date bucket falls in [start, end],
// inclusive on both ends. A zero bound is open.
func (s *Store) dateRangeLocked(start, end time.Time) map[string]struct{} {
	var startKey, endKey string
	if !start.IsZero() {
		startKey = start.UTC().Format("2006-01-02")
	}
	if !end.IsZero() {
		endKey = end.UTC().Format("2006-01-02")
	}

	ids := make(map[string]struct{})
	for date, bucket := range s.indices.ByDate {
		if startKey != "" && date < startKey {
			continue
		}
		if endKey != "" && date > endKey {
			continue
		}
		for _, id := range bucket {
			ids[id] = struct{}{}
		}
	}
	return ids
}

// FilterMetrics linearly scans all records against the field filter. Intended
// for small deployments only; keys are metric_type, model, rule_type and tag.
func (s *Store) FilterMetrics(fields map[string]string, limit int) ([]*Record, error) {
	all, err := s.QueryMetrics(Query{})
	if err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(all))
	for _, r := range all {
		if matchFields(r, fields) {
			out = append(out, r)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchFields(r *Record, fields map[string]string) bool {
	for k, v := range fields {
		switch k {
		case "metric_type":
			if r.MetricType != v {
				return false
			}
		case "model":
			if r.Model != v {
				return false
			}
		case "rule_type":
			if r.RuleType != v {
				return false
			}
		case "tag":
			found := false
			for _, tag := range r.Tags {
				if tag == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// RecentMetrics returns the newest records, optionally restricted by type.
func (s *Store) RecentMetrics(types []string, limit int) ([]*Record, error) {
	return s.QueryMetrics(Query{Types: types, Limit: limit})
}

// TrackCost increments the summary cost totals and reports a status against
// the configured thresholds.
func (s *Store) TrackCost(cost float64, apiCalls, tokenUsage int) CostStatus {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.summary.TotalCost += cost
	s.summary.APICalls += apiCalls
	s.summary.TokenUsage += tokenUsage

	status := CostOK
	switch {
	case s.summary.TotalCost >= s.cfg.Costs.Shutdown:
		status = CostShutdown
	case s.summary.TotalCost >= s.cfg.Costs.Critical:
		status = CostCritical
	case s.summary.TotalCost >= s.cfg.Costs.Warning:
		status = CostWarning
	}

	s.persistSummaryLocked()

	return CostStatus{
		TotalCost:  s.summary.TotalCost,
		APICalls:   s.summary.APICalls,
		TokenUsage: s.summary.TokenUsage,
		Status:     status,
	}
}

// Summary returns a copy of the current summary counters.
func (s *Store) Summary() (int, float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.summary.TotalMetrics, s.summary.TotalCost
}

func (s *Store) cacheInsertLocked(r *Record) {
	if _, ok := s.cache[r.ID]; ok {
		return
	}

	// evict by insertion order once full
	for len(s.cache) >= s.cfg.MaxCacheSize && len(s.cacheOrder) > 0 {
		oldest := s.cacheOrder[0]
		s.cacheOrder = s.cacheOrder[1:]
		delete(s.cache, oldest)
	}

	s.cache[r.ID] = r
	s.cacheOrder = append(s.cacheOrder, r.ID)
}

func (s *Store) persistIndicesLocked() {
	buff, err := json.Marshal(s.indices)
	if err == nil {
		err = os.WriteFile(filepath.Join(s.cfg.Root, indicesDir, indexFilename), buff, 0o644)
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to persist metric indices", "err", err)
	}

	s.persistSummaryLocked()
}

func (s *Store) persistSummaryLocked() {
	buff, err := json.Marshal(&s.summary)
	if err == nil {
		err = os.WriteFile(filepath.Join(s.cfg.Root, metadataDir, summaryFilename), buff, 0o644)
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to persist metric summary", "err", err)
	}
}

func prefixOf(id string) string {
	if len(id) < 2 {
		return "00"
	}
	return id[:2]
}

func appendIndex(idx map[string][]string, key, id string) {
	for _, existing := range idx[key] {
		if existing == id {
			return
		}
	}
	idx[key] = append(idx[key], id)
}

func unionOf(idx map[string][]string, keys []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range keys {
		for _, id := range idx[k] {
			out[id] = struct{}{}
		}
	}
	return out
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func gzipBytes(buff []byte, lvl int) ([]byte, error) {
	out := &bytes.Buffer{}
	w, err := gzip.NewWriterLevel(out, lvl)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buff); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// maybeGunzip transparently falls through when the payload is not gzipped.
func maybeGunzip(buff []byte) ([]byte, error) {
	if len(buff) < 2 || buff[0] != 0x1f || buff[1] != 0x8b {
		return buff, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(buff))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := &bytes.Buffer{}
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
