package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/spaolacci/murmur3"
)

var errInvalidUTF8 = errors.New("key and value must be valid UTF-8")

// Record is the payload of a segment frame.
type Record struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Sum   uint32 `json:"sum"`
}

func newRecord(key, value string) Record {
	return Record{Key: key, Value: value, Sum: recordSum(key, value)}
}

// recordSum computes the 32-bit MurmurHash3 of key and value.
func recordSum(key, value string) uint32 {
	h := murmur3.New32()
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(value))
	return h.Sum32()
}

func encodeRecord(r Record) ([]byte, error) {
	if !utf8.ValidString(r.Key) || !utf8.ValidString(r.Value) {
		return nil, serErr("encode record", errInvalidUTF8)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, serErr("encode record", err)
	}
	return b, nil
}

// decodeRecord parses a frame payload and verifies its checksum.
func decodeRecord(payload []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, serErr("decode record", err)
	}
	if r.Sum != recordSum(r.Key, r.Value) {
		return Record{}, corruptErr("decode record", "", fmt.Errorf("checksum mismatch for key %q: %w", r.Key, ErrCorruptData))
	}
	return r, nil
}
