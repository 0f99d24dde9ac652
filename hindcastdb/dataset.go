package hindcastdb

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DatasetMeta is the dataset-level metadata document.
type DatasetMeta struct {
	DatasetName string                 `json:"dataset_name"`
	DatasetID   string                 `json:"dataset_id"`
	ItemCount   int                    `json:"item_count"`
	CreatedAt   time.Time              `json:"created_at"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// StoreDataset stores every item with dataset fields added to its metadata
// and writes the dataset metadata and member-id list.
func (s *fileStore) StoreDataset(name string, items []interface{}, extra map[string]interface{}) (string, error) {
	if name == "" {
		return "", errors.New("dataset name required")
	}

	datasetID := uuid.New().String()

	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := s.Store(item, Metadata{
			Type: "dataset_item",
			Tags: []string{"dataset:" + name},
			Extra: map[string]interface{}{
				"dataset_name": name,
				"dataset_id":   datasetID,
			},
		})
		if err != nil {
			return "", errors.Wrapf(err, "storing dataset %s item", name)
		}
		ids = append(ids, id)
	}

	meta := &DatasetMeta{
		DatasetName: name,
		DatasetID:   datasetID,
		ItemCount:   len(ids),
		CreatedAt:   time.Now().UTC(),
		Extra:       extra,
	}

	dir := filepath.Join(s.cfg.Path, dataDir, datasetsDir, name)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", errors.Wrap(err, "creating dataset dir")
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return "", errors.Wrap(err, "marshaling dataset metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, datasetID+"_metadata.json"), metaBytes, 0o644); err != nil {
		return "", errors.Wrap(err, "writing dataset metadata")
	}

	idBytes, err := json.Marshal(ids)
	if err != nil {
		return "", errors.Wrap(err, "marshaling dataset member ids")
	}
	if err := os.WriteFile(filepath.Join(dir, datasetID+"_items.json"), idBytes, 0o644); err != nil {
		return "", errors.Wrap(err, "writing dataset member ids")
	}

	s.mtx.Lock()
	s.stats.DatasetCount++
	s.mtx.Unlock()

	return datasetID, nil
}

// RetrieveDataset returns the member payloads and metadata for a dataset.
// With an empty id the most recently modified metadata file wins.
func (s *fileStore) RetrieveDataset(name, datasetID string) ([]interface{}, *DatasetMeta, error) {
	dir := filepath.Join(s.cfg.Path, dataDir, datasetsDir, name)

	if datasetID == "" {
		var err error
		datasetID, err = s.newestDatasetID(dir)
		if err != nil {
			return nil, nil, err
		}
	}

	metaBytes, err := os.ReadFile(filepath.Join(dir, datasetID+"_metadata.json"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading dataset %s metadata", name)
	}
	meta := &DatasetMeta{}
	if err := json.Unmarshal(metaBytes, meta); err != nil {
		return nil, nil, errors.Wrapf(err, "parsing dataset %s metadata", name)
	}

	idBytes, err := os.ReadFile(filepath.Join(dir, datasetID+"_items.json"))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading dataset %s member ids", name)
	}
	var ids []string
	if err := json.Unmarshal(idBytes, &ids); err != nil {
		return nil, nil, errors.Wrapf(err, "parsing dataset %s member ids", name)
	}

	payloads := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		payload, err := s.Retrieve(id, 0)
		if err != nil {
			return nil, nil, err
		}
		if payload == nil {
			level.Warn(s.logger).Log("msg", "dataset member missing", "dataset", name, "id", id)
			continue
		}
		payloads = append(payloads, payload)
	}

	return payloads, meta, nil
}

func (s *fileStore) newestDatasetID(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "listing dataset dir")
	}

	var newestID string
	var newestMod time.Time
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), "_metadata.json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newestID == "" || info.ModTime().After(newestMod) {
			newestID = strings.TrimSuffix(e.Name(), "_metadata.json")
			newestMod = info.ModTime()
		}
	}

	if newestID == "" {
		return "", errors.New("dataset has no metadata files")
	}
	return newestID, nil
}

// AllDatasets returns the metadata of every stored dataset.
func (s *fileStore) AllDatasets() ([]*DatasetMeta, error) {
	root := filepath.Join(s.cfg.Path, dataDir, datasetsDir)
	names, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "listing datasets dir")
	}

	var metas []*DatasetMeta
	for _, nameEntry := range names {
		if !nameEntry.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, nameEntry.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if !strings.HasSuffix(f.Name(), "_metadata.json") {
				continue
			}
			buff, err := os.ReadFile(filepath.Join(root, nameEntry.Name(), f.Name()))
			if err != nil {
				continue
			}
			meta := &DatasetMeta{}
			if err := json.Unmarshal(buff, meta); err != nil {
				level.Warn(s.logger).Log("msg", "skipping corrupt dataset metadata", "file", f.Name(), "err", err)
				continue
			}
			metas = append(metas, meta)
		}
	}
	return metas, nil
}
