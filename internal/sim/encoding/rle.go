// Package encoding packs LOD level grids for the telemetry stream.
package encoding

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// NoTile marks a grid cell with no loaded tile.
const NoTile uint8 = 0xFF

var ErrCorrupt = errors.New("encoding: corrupt level grid")

// EncodeLevels encodes a level grid into base64(varint pairs).
// The pairs are (level, run_len) repeated.
func EncodeLevels(levels []uint8) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	i := 0
	for i < len(levels) {
		v := levels[i]
		run := 1
		for j := i + 1; j < len(levels) && levels[j] == v; j++ {
			run++
		}

		n := binary.PutUvarint(tmp[:], uint64(v))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])

		i += run
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// DecodeLevels reverses EncodeLevels. When want > 0 the decoded grid must
// have exactly want cells; runs that overshoot it are rejected before they
// are expanded.
func DecodeLevels(b64 string, want int) ([]uint8, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	out := make([]uint8, 0, want)
	for i := 0; i < len(raw); {
		v, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad varint at %d", ErrCorrupt, i)
		}
		i += n
		if v > 0xFF {
			return nil, fmt.Errorf("%w: level too large: %d", ErrCorrupt, v)
		}
		if run == 0 {
			return nil, fmt.Errorf("%w: empty run at %d", ErrCorrupt, i)
		}
		if want > 0 && uint64(len(out))+run > uint64(want) {
			return nil, fmt.Errorf("%w: %d cells exceed grid of %d", ErrCorrupt, uint64(len(out))+run, want)
		}
		for k := uint64(0); k < run; k++ {
			out = append(out, uint8(v))
		}
	}
	if want > 0 && len(out) != want {
		return nil, fmt.Errorf("%w: got %d cells want %d", ErrCorrupt, len(out), want)
	}
	return out, nil
}
