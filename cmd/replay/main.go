package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	persistlog "tilestream.ai/internal/persistence/log"
	"tilestream.ai/internal/sim/stream"
)

func main() {
	var (
		dataDir  = flag.String("data", "./data", "runtime data directory (reads <data>/ticks and <data>/events)")
		fromTick = flag.Uint64("from_tick", 0, "first tick to include (inclusive, optional)")
		toTick   = flag.Uint64("to_tick", 0, "last tick to include (inclusive, optional)")
		asJSON   = flag.Bool("json", false, "print the summary as JSON")
	)
	flag.Parse()

	sum, err := summarize(*dataDir, *fromTick, *toTick)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if sum.Ticks == 0 {
		fmt.Fprintln(os.Stderr, "no tick entries found in", filepath.Join(*dataDir, "ticks"))
		os.Exit(1)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return
	}
	sum.print(os.Stdout)
}

type summary struct {
	Ticks         int            `json:"ticks"`
	FirstTick     uint64         `json:"first_tick"`
	LastTick      uint64         `json:"last_tick"`
	MeanStepMS    float64        `json:"mean_step_ms"`
	P95StepMS     float64        `json:"p95_step_ms"`
	MaxStepMS     float64        `json:"max_step_ms"`
	OverloadTicks int            `json:"overload_ticks"`
	Evicted       int            `json:"evicted"`
	Planned       int            `json:"planned"`
	Teardowns     int            `json:"teardowns"`
	MaxTiles      int            `json:"max_active_tiles"`
	Events        map[string]int `json:"events,omitempty"`
}

func inRange(tick, from, to uint64) bool {
	return tick >= from && (to == 0 || tick <= to)
}

func summarize(dataDir string, from, to uint64) (summary, error) {
	var sum summary
	var steps []float64

	tickFiles, err := persistlog.Files(filepath.Join(dataDir, "ticks"), "ticks")
	if err != nil {
		return sum, err
	}
	for _, path := range tickFiles {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var entry stream.TickLogEntry
			if err := json.Unmarshal(line, &entry); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			if !inRange(entry.Tick, from, to) {
				return nil
			}
			if sum.Ticks == 0 {
				sum.FirstTick = entry.Tick
			}
			sum.Ticks++
			sum.LastTick = entry.Tick
			steps = append(steps, entry.StepMS)
			if entry.Overloaded {
				sum.OverloadTicks++
			}
			sum.Evicted += entry.Evicted
			sum.Planned += entry.Planned
			sum.Teardowns += entry.Teardowns
			if entry.ActiveTiles > sum.MaxTiles {
				sum.MaxTiles = entry.ActiveTiles
			}
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	sum.MeanStepMS, sum.P95StepMS, sum.MaxStepMS = stepStats(steps)

	eventFiles, err := persistlog.Files(filepath.Join(dataDir, "events"), "events")
	if err != nil {
		return sum, err
	}
	for _, path := range eventFiles {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var ev stream.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return fmt.Errorf("unmarshal: %w", err)
			}
			if !inRange(ev.Tick, from, to) {
				return nil
			}
			if sum.Events == nil {
				sum.Events = map[string]int{}
			}
			sum.Events[ev.Type]++
			return nil
		})
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

// stepStats returns mean, nearest-rank p95 and max of steps.
func stepStats(steps []float64) (mean, p95, peak float64) {
	if len(steps) == 0 {
		return 0, 0, 0
	}
	sorted := append([]float64(nil), steps...)
	sort.Float64s(sorted)
	var total float64
	for _, v := range sorted {
		total += v
	}
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return total / float64(len(sorted)), sorted[rank], sorted[len(sorted)-1]
}

func (s summary) print(w io.Writer) {
	fmt.Fprintf(w, "ticks=%d range=[%d,%d]\n", s.Ticks, s.FirstTick, s.LastTick)
	fmt.Fprintf(w, "step_ms mean=%.3f p95=%.3f max=%.3f\n", s.MeanStepMS, s.P95StepMS, s.MaxStepMS)
	fmt.Fprintf(w, "overload_ticks=%d (%.1f%%)\n", s.OverloadTicks, 100*float64(s.OverloadTicks)/float64(s.Ticks))
	fmt.Fprintf(w, "planned=%d teardowns=%d evicted=%d max_active_tiles=%d\n", s.Planned, s.Teardowns, s.Evicted, s.MaxTiles)
	if len(s.Events) == 0 {
		return
	}
	types := make([]string, 0, len(s.Events))
	for t := range s.Events {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "event %-18s %d\n", t, s.Events[t])
	}
}
