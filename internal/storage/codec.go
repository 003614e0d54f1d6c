package storage

import (
	"bytes"
	"encoding/json"
	"fmt"

	"constph/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = fmt.Errorf("%w: record version mismatch", model.ErrSerialization)

// Stamp marks a record with the versions this build writes.
func Stamp() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: encode checkpoint %s: %v", model.ErrSerialization, c.ID, err)
	}
	return data, nil
}

// DecodeCheckpoint rejects unknown fields, trailing data and foreign versions.
func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var checkpoint model.Checkpoint
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&checkpoint); err != nil {
		return model.Checkpoint{}, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	if dec.More() {
		return model.Checkpoint{}, fmt.Errorf("%w: trailing data after checkpoint", model.ErrSerialization)
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	if len(checkpoint.Visits) != len(checkpoint.Groups) {
		return model.Checkpoint{}, fmt.Errorf("%w: %d visit rows for %d groups", model.ErrSerialization, len(checkpoint.Visits), len(checkpoint.Groups))
	}
	return checkpoint, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema %d codec %d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
