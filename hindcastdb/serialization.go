package hindcastdb

import (
	"bytes"
	"encoding/gob"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Payload encoding tags. Gob is the primary format; values gob cannot handle
// fall back to JSON text.
const (
	encodingGob  = 0x01
	encodingJSON = 0x02
)

func init() {
	gob.Register(TimeSeriesPoint{})
	gob.Register([]TimeSeriesPoint{})
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

func encodePayload(payload interface{}) ([]byte, error) {
	buff := &bytes.Buffer{}
	buff.WriteByte(encodingGob)

	if err := gob.NewEncoder(buff).Encode(&payload); err == nil {
		return buff.Bytes(), nil
	}

	// textual fallback for values gob cannot serialise
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "payload is not serialisable")
	}

	out := make([]byte, 0, len(jsonBytes)+1)
	out = append(out, encodingJSON)
	out = append(out, jsonBytes...)
	return out, nil
}

func decodePayload(buff []byte) (interface{}, error) {
	if len(buff) == 0 {
		return nil, errors.New("empty payload")
	}

	body := buff[1:]
	switch buff[0] {
	case encodingGob:
		var payload interface{}
		if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
			return nil, errors.Wrap(err, "decoding gob payload")
		}
		return payload, nil
	case encodingJSON:
		var payload interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, errors.Wrap(err, "decoding json payload")
		}
		return payload, nil
	default:
		return nil, errors.Errorf("unknown payload encoding 0x%02x", buff[0])
	}
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
