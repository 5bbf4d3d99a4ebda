package encoding

import (
	"errors"
	"testing"
)

func TestLevels_RoundTrip(t *testing.T) {
	in := make([]uint8, 0, 200)
	in = append(in, NoTile, NoTile, NoTile, 0, 0, 1)
	for i := 0; i < 50; i++ {
		in = append(in, 2)
	}
	in = append(in, 3, 4, 4, NoTile)

	enc := EncodeLevels(in)
	out, err := DecodeLevels(enc, len(in))
	if err != nil {
		t.Fatalf("DecodeLevels: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestLevels_RejectsWrongSize(t *testing.T) {
	enc := EncodeLevels([]uint8{1, 1, 1, 1})
	if _, err := DecodeLevels(enc, 3); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("overshoot err=%v want ErrCorrupt", err)
	}
	if _, err := DecodeLevels(enc, 5); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("short err=%v want ErrCorrupt", err)
	}
	if _, err := DecodeLevels("!!", 0); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("base64 err=%v want ErrCorrupt", err)
	}
}

func TestLevels_Empty(t *testing.T) {
	if enc := EncodeLevels(nil); enc != "" {
		t.Fatalf("enc=%q want empty", enc)
	}
	out, err := DecodeLevels("", 0)
	if err != nil || len(out) != 0 {
		t.Fatalf("out=%v err=%v", out, err)
	}
}
