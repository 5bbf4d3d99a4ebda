package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"tilestream.ai/internal/protocol"
	"tilestream.ai/internal/sim/encoding"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip turns a typed message into the generic form the validator expects.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	subSchema := compile(t, "subscribe.schema.json")
	tickSchema := compile(t, "tick.schema.json")
	tilesSchema := compile(t, "tiles.schema.json")

	var sub any
	_ = json.Unmarshal([]byte(`{
	  "type":"SUBSCRIBE",
	  "protocol_version":"1.0",
	  "grid_radius":6,
	  "tiles_every_ticks":10
	}`), &sub)
	validate(subSchema, sub)

	tick := protocol.TickMsg{
		Type:            protocol.TypeTick,
		ProtocolVersion: protocol.Version,
		Tick:            42,
		StepMS:          3.5,
		AvgMS:           4.1,
		Observer:        [3]float64{120, 0, -40},
		Tile:            [2]int{0, -1},
		Speed:           12,
		ItemLimit:       16,
		BudgetMS:        6,
		Executed:        5,
		QueueDepth:      30,
		ActiveTiles:     29,
		Decorations:     120,
		PoolFree:        8,
		Evicted:         3,
	}
	validate(tickSchema, roundTrip(t, tick))

	tiles := protocol.TilesMsg{
		Type:            protocol.TypeTiles,
		ProtocolVersion: protocol.Version,
		Tick:            42,
		Center:          [2]int{0, -1},
		Radius:          1,
		Encoding:        protocol.EncodingRLELevels,
		Data:            encoding.EncodeLevels([]uint8{255, 2, 255, 1, 0, 1, 255, 2, 255}),
	}
	validate(tilesSchema, roundTrip(t, tiles))
}

func TestSchemas_RejectWrongType(t *testing.T) {
	tickSchema := compile(t, "tick.schema.json")
	var bad any
	_ = json.Unmarshal([]byte(`{"type":"TILES","protocol_version":"1.0","tick":1}`), &bad)
	if err := tickSchema.Validate(bad); err == nil {
		t.Fatalf("expected TILES payload to fail the TICK schema")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := protocol.DecodeBase([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","grid_radius":4}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != protocol.TypeSubscribe || m.ProtocolVersion != protocol.Version {
		t.Fatalf("base=%+v", m)
	}
}
