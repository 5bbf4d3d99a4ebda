// Package protocol defines the JSON messages of the live telemetry stream and
// the admin HTTP API.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeSubscribe = "SUBSCRIBE"
	TypeTick      = "TICK"
	TypeTiles     = "TILES"
	TypeError     = "ERROR"
)

// EncodingRLELevels is base64(varint pairs of level, run) over a row-major
// (2r+1)^2 grid; 255 marks a cell with no loaded tile.
const EncodingRLELevels = "RLE_LEVELS"

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
