package hindcastdb

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricItemsStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hindcast",
		Name:      "db_items_stored_total",
		Help:      "Total number of items stored.",
	})
	metricItemCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hindcast",
		Name:      "db_item_count",
		Help:      "Current number of items in the store.",
	})
)

// Metadata describes one stored item.
type Metadata struct {
	ID                 string                 `json:"id"`
	IngestionTimestamp time.Time              `json:"ingestion_timestamp"`
	Type               string                 `json:"type"`
	SourceID           string                 `json:"source_id"`
	Tags               []string               `json:"tags,omitempty"`
	Version            int                    `json:"version,omitempty"`
	Extra              map[string]interface{} `json:"extra,omitempty"`
}

// Item pairs an id with its decoded payload in query results.
type Item struct {
	ID      string
	Payload interface{}
}

// Query selects items by the intersection of its non-empty fields. Date is a
// day bucket in 2006-01-02 form.
type Query struct {
	ID       string
	Type     string
	SourceID string
	Date     string
	Tag      string
}

// Stats summarises the on-disk footprint.
type Stats struct {
	ItemCount    int   `json:"item_count"`
	DatasetCount int   `json:"dataset_count"`
	TotalBytes   int64 `json:"total_bytes"`
}

// Store is the versioned, indexed item storage used by training workers.
type Store interface {
	Store(payload interface{}, meta Metadata) (string, error)
	Retrieve(id string, version int) (interface{}, error)
	RetrieveMetadata(id string) (*Metadata, error)
	RetrieveByQuery(q Query) ([]Item, error)

	StoreDataset(name string, items []interface{}, extra map[string]interface{}) (string, error)
	RetrieveDataset(name, datasetID string) ([]interface{}, *DatasetMeta, error)
	AllDatasets() ([]*DatasetMeta, error)

	StoreTimeSeries(variable string, points []TimeSeriesPoint) (string, error)
	RetrieveTimeSeries(variable string) ([]TimeSeriesPoint, error)

	Cleanup(retentionDays int) (int, error)
	Stats() Stats
	Close() error
}

// Factory builds a Store from plain config. Implementations are registered by
// name so workers can re-initialise the configured subtype.
type Factory func(cfg Config, logger log.Logger) (Store, error)

var (
	registryMtx sync.Mutex
	registry    = map[string]Factory{}
)

// Register makes a store constructor available under name.
func Register(name string, f Factory) {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	registry[name] = f
}

// New builds the store subtype named by cfg.Backend.
func New(cfg Config, logger log.Logger) (Store, error) {
	cfg.applyDefaults()

	registryMtx.Lock()
	f, ok := registry[cfg.Backend]
	registryMtx.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown data store backend %q", cfg.Backend)
	}
	return f(cfg, logger)
}

func init() {
	Register(BackendFile, newFileStore)
}

type itemIndexSet struct {
	ByID        map[string][]string `json:"by_id"`
	ByType      map[string][]string `json:"by_type"`
	BySource    map[string][]string `json:"by_source"`
	ByTimestamp map[string][]string `json:"by_timestamp"`
	ByTag       map[string][]string `json:"by_tag"`
}

func newItemIndexSet() *itemIndexSet {
	return &itemIndexSet{
		ByID:        make(map[string][]string),
		ByType:      make(map[string][]string),
		BySource:    make(map[string][]string),
		ByTimestamp: make(map[string][]string),
		ByTag:       make(map[string][]string),
	}
}

const itemIndexFilename = "item_indices.json"

// fileStore keeps items on the local filesystem, one directory per id, with
// eager index persistence. Index and stats mutation is lock-guarded; data
// file I/O happens outside the lock.
type fileStore struct {
	mtx sync.Mutex

	cfg    Config
	logger log.Logger

	indices *itemIndexSet
	stats   Stats
}

func newFileStore(cfg Config, logger log.Logger) (Store, error) {
	for _, dir := range []string{dataDir, indicesDir, metadataDir, filepath.Join(dataDir, datasetsDir)} {
		if err := os.MkdirAll(filepath.Join(cfg.Path, dir), os.ModePerm); err != nil {
			return nil, errors.Wrap(err, "creating data store dirs")
		}
	}

	s := &fileStore{
		cfg:     cfg,
		logger:  logger,
		indices: newItemIndexSet(),
	}
	s.loadIndices()
	s.rebuildStats()

	return s, nil
}

func (s *fileStore) loadIndices() {
	buff, err := os.ReadFile(filepath.Join(s.cfg.Path, indicesDir, itemIndexFilename))
	if err != nil {
		return
	}

	idx := newItemIndexSet()
	if err := json.Unmarshal(buff, idx); err != nil {
		level.Warn(s.logger).Log("msg", "corrupt item indices, starting empty", "err", err)
		return
	}
	s.indices = idx
}

// Store persists payload with its metadata and returns the item id. The id is
// a content hash of the encoded payload and metadata unless the caller set
// one.
func (s *fileStore) Store(payload interface{}, meta Metadata) (string, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	if meta.IngestionTimestamp.IsZero() {
		meta.IngestionTimestamp = time.Now().UTC()
	}

	if meta.ID == "" {
		metaBytes, err := json.Marshal(&meta)
		if err != nil {
			return "", errors.Wrap(err, "marshaling item metadata")
		}
		meta.ID = contentID(append(data, metaBytes...))
	}

	if s.cfg.Compression {
		data, err = gzipBytes(data, s.cfg.CompressionLevel)
		if err != nil {
			return "", errors.Wrap(err, "compressing item payload")
		}
	}

	dir := s.itemDir(meta.ID)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", errors.Wrap(err, "creating item dir")
	}

	version := 1
	if s.cfg.Versioning {
		version = s.currentVersion(meta.ID) + 1
		if err := os.WriteFile(filepath.Join(dir, versionFilename(version)), data, 0o644); err != nil {
			return "", errors.Wrap(err, "writing item version")
		}
		s.pruneVersions(meta.ID, version)
	}

	if err := os.WriteFile(filepath.Join(dir, "latest.data"), data, 0o644); err != nil {
		return "", errors.Wrap(err, "writing item payload")
	}

	meta.Version = version
	metaBytes, err := json.Marshal(&meta)
	if err != nil {
		return "", errors.Wrap(err, "marshaling item metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaBytes, 0o644); err != nil {
		return "", errors.Wrap(err, "writing item metadata")
	}

	s.mtx.Lock()
	s.indexItemLocked(&meta)
	s.stats.ItemCount = len(s.indices.ByID)
	s.persistIndicesLocked()
	s.mtx.Unlock()

	metricItemsStored.Inc()
	metricItemCount.Set(float64(s.stats.ItemCount))

	return meta.ID, nil
}

func (s *fileStore) indexItemLocked(meta *Metadata) {
	appendIndex(s.indices.ByID, meta.ID, meta.ID)
	if meta.Type != "" {
		appendIndex(s.indices.ByType, meta.Type, meta.ID)
	}
	if meta.SourceID != "" {
		appendIndex(s.indices.BySource, meta.SourceID, meta.ID)
	}
	appendIndex(s.indices.ByTimestamp, meta.IngestionTimestamp.UTC().Format("2006-01-02"), meta.ID)
	for _, tag := range meta.Tags {
		appendIndex(s.indices.ByTag, tag, meta.ID)
	}
}

// Retrieve returns the payload for id. Version zero (or negative) selects the
// latest; missing items return nil without error.
func (s *fileStore) Retrieve(id string, version int) (interface{}, error) {
	name := "latest.data"
	if version > 0 {
		name = versionFilename(version)
	}

	buff, err := os.ReadFile(filepath.Join(s.itemDir(id), name))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		level.Warn(s.logger).Log("msg", "failed to read item payload", "id", id, "err", err)
		return nil, nil
	}

	buff, err = maybeGunzip(buff)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to decompress item payload", "id", id, "err", err)
		return nil, nil
	}

	return decodePayload(buff)
}

// RetrieveMetadata returns the metadata document for id, or nil when the item
// does not exist.
func (s *fileStore) RetrieveMetadata(id string) (*Metadata, error) {
	buff, err := os.ReadFile(filepath.Join(s.itemDir(id), "metadata.json"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "reading item metadata")
	}

	meta := &Metadata{}
	if err := json.Unmarshal(buff, meta); err != nil {
		return nil, errors.Wrap(err, "parsing item metadata")
	}
	return meta, nil
}

// RetrieveByQuery returns items matching the intersection of the query's
// non-empty fields.
func (s *fileStore) RetrieveByQuery(q Query) ([]Item, error) {
	s.mtx.Lock()

	var sets []map[string]struct{}
	if q.ID != "" {
		sets = append(sets, unionOf(s.indices.ByID, []string{q.ID}))
	}
	if q.Type != "" {
		sets = append(sets, unionOf(s.indices.ByType, []string{q.Type}))
	}
	if q.SourceID != "" {
		sets = append(sets, unionOf(s.indices.BySource, []string{q.SourceID}))
	}
	if q.Date != "" {
		sets = append(sets, unionOf(s.indices.ByTimestamp, []string{q.Date}))
	}
	if q.Tag != "" {
		sets = append(sets, unionOf(s.indices.ByTag, []string{q.Tag}))
	}
	s.mtx.Unlock()

	if len(sets) == 0 {
		return nil, nil
	}

	ids := sets[0]
	for _, set := range sets[1:] {
		ids = intersect(ids, set)
	}

	items := make([]Item, 0, len(ids))
	for id := range ids {
		payload, err := s.Retrieve(id, 0)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			items = append(items, Item{ID: id, Payload: payload})
		}
	}
	return items, nil
}

// Stats returns the current storage stats.
func (s *fileStore) Stats() Stats {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.stats
}

// Close persists indices and stats.
func (s *fileStore) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.persistIndicesLocked()
	return nil
}

func (s *fileStore) itemDir(id string) string {
	return filepath.Join(s.cfg.Path, dataDir, prefixOf(id), id)
}

var versionFileRe = regexp.MustCompile(`^v(\d+)\.data$`)

// currentVersion scans the item dir for the highest extant version.
func (s *fileStore) currentVersion(id string) int {
	entries, err := os.ReadDir(s.itemDir(id))
	if err != nil {
		return 0
	}

	current := 0
	for _, e := range entries {
		m := versionFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil && v > current {
			current = v
		}
	}
	return current
}

func (s *fileStore) pruneVersions(id string, latest int) {
	oldest := latest - s.cfg.MaxVersions
	for v := oldest; v > 0; v-- {
		name := filepath.Join(s.itemDir(id), versionFilename(v))
		if err := os.Remove(name); err != nil {
			if os.IsNotExist(err) {
				break
			}
			level.Warn(s.logger).Log("msg", "failed to prune item version", "id", id, "version", v, "err", err)
		}
	}
}

func (s *fileStore) persistIndicesLocked() {
	buff, err := json.Marshal(s.indices)
	if err == nil {
		err = os.WriteFile(filepath.Join(s.cfg.Path, indicesDir, itemIndexFilename), buff, 0o644)
	}
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to persist item indices", "err", err)
	}
}

func versionFilename(v int) string {
	return fmt.Sprintf("v%d.data", v)
}

func contentID(data []byte) string {
	lo, hi := farm.Fingerprint128(data)
	return fmt.Sprintf("%016x%016x", hi, lo)
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
