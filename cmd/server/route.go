package main

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// route scripts the observer's path for a headless run.
type route struct {
	kind   string
	speed  float64 // world units per second
	radius float64 // circle radius in world units
}

func parseRoute(kind string, speed, radius float64) (route, error) {
	r := route{kind: strings.ToLower(strings.TrimSpace(kind)), speed: speed, radius: radius}
	switch r.kind {
	case "idle":
	case "line":
		if speed <= 0 {
			return r, fmt.Errorf("route line: speed must be > 0")
		}
	case "circle":
		if speed <= 0 || radius <= 0 {
			return r, fmt.Errorf("route circle: speed and radius must be > 0")
		}
	case "zigzag":
		if speed <= 0 || radius <= 0 {
			return r, fmt.Errorf("route zigzag: speed and radius must be > 0")
		}
	default:
		return r, fmt.Errorf("unknown route %q", kind)
	}
	return r, nil
}

// At returns the observer position t seconds into the run.
func (r route) At(t float64) mgl64.Vec3 {
	switch r.kind {
	case "line":
		return mgl64.Vec3{r.speed * t, 0, 0}
	case "circle":
		a := r.speed * t / r.radius
		return mgl64.Vec3{r.radius * math.Cos(a), 0, r.radius * math.Sin(a)}
	case "zigzag":
		// Half speed along +X while sweeping +-radius along Z.
		period := 4 * r.radius / r.speed
		phase := math.Mod(t, period) / period
		z := r.radius * (1 - 4*math.Abs(phase-0.5))
		return mgl64.Vec3{0.5 * r.speed * t, 0, z}
	default:
		return mgl64.Vec3{}
	}
}

// drive feeds route positions to out at the given rate until ctx is done.
func (r route) drive(ctx context.Context, out chan<- mgl64.Vec3, rateHz int) {
	if rateHz <= 0 {
		rateHz = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(rateHz))
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case out <- r.At(now.Sub(start).Seconds()):
			default:
				// Engine is behind; the next sample supersedes this one.
			}
		}
	}
}
