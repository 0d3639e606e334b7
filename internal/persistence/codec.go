package persistence

import (
	"bytes"
	"encoding/gob"

	"docflow/pkg/api"
)

// EncodePayload serializes a carry-forward payload using encoding/gob.
// A nil payload encodes to nil.
func EncodePayload(p *api.Payload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodePayload is the inverse of EncodePayload. Empty data decodes to nil.
func DecodePayload(data []byte) (*api.Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p api.Payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeAttempts serializes the per-stage attempt counters.
func EncodeAttempts(m map[api.Stage]int) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAttempts is the inverse of EncodeAttempts. Empty data decodes to an
// empty, non-nil map so callers can increment without a nil check.
func DecodeAttempts(data []byte) (map[api.Stage]int, error) {
	if len(data) == 0 {
		return map[api.Stage]int{}, nil
	}
	var m map[api.Stage]int
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[api.Stage]int{}
	}
	return m, nil
}
