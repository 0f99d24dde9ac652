package hindcastdb

import (
	"time"

	"github.com/pkg/errors"
)

// TimeSeriesPoint is one historical observation of a variable.
type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// TimeSeriesID returns the item id under which a variable's history is kept.
func TimeSeriesID(variable string) string {
	return "historical_" + variable
}

// StoreTimeSeries stores the full history for a variable under its well-known
// id, creating a new version when one already exists.
func (s *fileStore) StoreTimeSeries(variable string, points []TimeSeriesPoint) (string, error) {
	if variable == "" {
		return "", errors.New("variable name required")
	}

	return s.Store(points, Metadata{
		ID:       TimeSeriesID(variable),
		Type:     "time_series",
		SourceID: variable,
		Tags:     []string{variable},
	})
}

// RetrieveTimeSeries returns the stored history for a variable. A variable
// with no stored history yields an empty slice.
func (s *fileStore) RetrieveTimeSeries(variable string) ([]TimeSeriesPoint, error) {
	payload, err := s.Retrieve(TimeSeriesID(variable), 0)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, nil
	}

	points, ok := payload.([]TimeSeriesPoint)
	if !ok {
		return nil, errors.Errorf("item %s does not hold a time series", TimeSeriesID(variable))
	}
	return points, nil
}
