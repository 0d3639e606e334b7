package taskqueue

import (
	"bytes"
	"encoding/gob"
)

// EncodeJob serializes a Job using encoding/gob, for queue backends that
// store jobs as opaque blobs.
func EncodeJob(j Job) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(j); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJob is the inverse of EncodeJob.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&j); err != nil {
		return nil, err
	}
	return &j, nil
}
