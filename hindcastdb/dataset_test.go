package hindcastdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRetrieveDataset(t *testing.T) {
	s := testFileStore(t, Config{})

	items := []interface{}{
		map[string]interface{}{"v": 1.0},
		map[string]interface{}{"v": 2.0},
	}

	id, err := s.StoreDataset("training-2023", items, map[string]interface{}{"source": "sensor"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	payloads, meta, err := s.RetrieveDataset("training-2023", id)
	require.NoError(t, err)
	require.NotNil(t, meta)

	assert.Equal(t, "training-2023", meta.DatasetName)
	assert.Equal(t, id, meta.DatasetID)
	assert.Equal(t, 2, meta.ItemCount)
	assert.Equal(t, "sensor", meta.Extra["source"])
	assert.ElementsMatch(t, items, payloads)
}

func TestRetrieveDatasetDefaultsToNewest(t *testing.T) {
	s := testFileStore(t, Config{})

	_, err := s.StoreDataset("d", []interface{}{"old"}, nil)
	require.NoError(t, err)

	// dataset selection is by file mtime
	time.Sleep(10 * time.Millisecond)

	newest, err := s.StoreDataset("d", []interface{}{"new"}, nil)
	require.NoError(t, err)

	payloads, meta, err := s.RetrieveDataset("d", "")
	require.NoError(t, err)
	assert.Equal(t, newest, meta.DatasetID)
	require.Len(t, payloads, 1)
	assert.Equal(t, "new", payloads[0])
}

func TestRetrieveDatasetMissing(t *testing.T) {
	s := testFileStore(t, Config{})

	_, _, err := s.RetrieveDataset("nope", "")
	assert.Error(t, err)
}

func TestDatasetItemsQueryable(t *testing.T) {
	s := testFileStore(t, Config{})

	_, err := s.StoreDataset("d", []interface{}{"a", "b"}, nil)
	require.NoError(t, err)

	items, err := s.RetrieveByQuery(Query{Tag: "dataset:d"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestAllDatasets(t *testing.T) {
	s := testFileStore(t, Config{})

	_, err := s.StoreDataset("one", []interface{}{"a"}, nil)
	require.NoError(t, err)
	_, err = s.StoreDataset("two", []interface{}{"b", "c"}, nil)
	require.NoError(t, err)

	metas, err := s.AllDatasets()
	require.NoError(t, err)
	require.Len(t, metas, 2)

	names := []string{metas[0].DatasetName, metas[1].DatasetName}
	assert.ElementsMatch(t, []string{"one", "two"}, names)

	assert.Equal(t, 2, s.Stats().DatasetCount)
}
