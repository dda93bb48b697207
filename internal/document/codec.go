package document

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// updateFormat prefixes every update blob so the layout can evolve.
const updateFormat byte = 1

var ErrMalformedUpdate = errors.New("malformed update")

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
)

type updatePayload struct {
	Ops []op `json:"ops"`
}

func encodeUpdate(ops []op) ([]byte, error) {
	payload, err := json.Marshal(updatePayload{Ops: ops})
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}
	out := make([]byte, 1, len(payload)/2+1)
	out[0] = updateFormat
	return encoder.EncodeAll(payload, out), nil
}

func decodeUpdate(blob []byte) ([]op, error) {
	if len(blob) < 2 || blob[0] != updateFormat {
		return nil, ErrMalformedUpdate
	}
	payload, err := decoder.DecodeAll(blob[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	var decoded updatePayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return decoded.Ops, nil
}
