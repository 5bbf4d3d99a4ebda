package main

import (
	"fmt"
	"math"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"

	"tilestream.ai/internal/sim/encoding"
	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/tracker"
)

const (
	minSpeed     = 10
	maxSpeed     = 2000
	maxRadius    = 32
	statusRows   = 2
	autoOrbitFac = 6 // autopilot orbit radius in tiles
)

var tierStyles = map[tracker.Tier]tcell.Style{
	tracker.TierImmediate: tcell.StyleDefault.Background(tcell.ColorMaroon),
	tracker.TierPreload:   tcell.StyleDefault.Background(tcell.ColorNavy),
	tracker.TierKeepAlive: tcell.StyleDefault.Background(tcell.ColorDarkGreen),
	tracker.TierUnload:    tcell.StyleDefault,
}

var levelColors = []tcell.Color{
	tcell.ColorWhite,
	tcell.ColorYellow,
	tcell.ColorAqua,
	tcell.ColorSilver,
	tcell.ColorGray,
}

// view owns the engine in single-goroutine mode and draws the tile grid
// around the observer.
type view struct {
	engine *stream.Engine

	pos   mgl64.Vec3
	speed float64
	auto  bool
	angle float64
	msg   string
}

func newView(e *stream.Engine, speed float64) *view {
	return &view{engine: e, speed: speed, auto: true}
}

func (v *view) tileSize() float64 { return v.engine.Tracker().Config().TileSize }

// advance moves the observer (autopilot orbits the origin) and steps the
// engine by dt seconds.
func (v *view) advance(dt float64) stream.TickLogEntry {
	if v.auto {
		r := autoOrbitFac * v.tileSize()
		v.angle += v.speed * dt / r
		v.pos = mgl64.Vec3{r * math.Cos(v.angle), 0, r * math.Sin(v.angle)}
	}
	v.engine.SetObserver(v.pos)
	return v.engine.Step(dt)
}

// handleKey applies one key press and reports whether the viewer should quit.
func (v *view) handleKey(ev *tcell.EventKey) bool { return v.press(ev.Key(), ev.Rune()) }

func (v *view) press(key tcell.Key, ch rune) bool {
	step := v.tileSize() / 4
	move := func(dx, dz float64) {
		v.auto = false
		v.pos = v.pos.Add(mgl64.Vec3{dx, 0, dz})
	}
	switch key {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyUp:
		move(0, -step)
	case tcell.KeyDown:
		move(0, step)
	case tcell.KeyLeft:
		move(-step, 0)
	case tcell.KeyRight:
		move(step, 0)
	case tcell.KeyRune:
		switch ch {
		case 'q':
			return true
		case 'a':
			v.auto = !v.auto
			if v.auto {
				v.angle = math.Atan2(v.pos.Z(), v.pos.X())
			}
		case '+', '=':
			v.speed = math.Min(v.speed*1.5, maxSpeed)
		case '-':
			v.speed = math.Max(v.speed/1.5, minSpeed)
		case 'r':
			c := v.engine.Tracker().Tile()
			if err := v.engine.EnqueueRebuild(c); err != nil {
				v.msg = fmt.Sprintf("rebuild %d,%d: %v", c.X, c.Z, err)
			} else {
				v.msg = fmt.Sprintf("rebuild %d,%d queued", c.X, c.Z)
			}
		}
	}
	return false
}

// gridRadius fits a (2r+1)-square grid of two-column cells under the status
// lines.
func gridRadius(w, h int) int {
	r := (w/2 - 1) / 2
	if rh := (h - statusRows - 1) / 2; rh < r {
		r = rh
	}
	if r < 1 {
		r = 1
	}
	if r > maxRadius {
		r = maxRadius
	}
	return r
}

func (v *view) draw(s tcell.Screen) {
	s.Clear()
	w, h := s.Size()
	m := v.engine.Metrics()

	drawText(s, 0, 0, tcell.StyleDefault.Bold(true), fmt.Sprintf(
		"tick=%d tile=%d,%d speed=%.0f step=%.2fms state=%s loaded=%d pending=%d decos=%d",
		m.Tick, m.Tile.X, m.Tile.Z, m.Speed, m.StepMS, m.Monitor.State, m.LoadedTiles, m.PendingTiles, m.Decorations))
	status := fmt.Sprintf("levels=%v pool=%d/%d evicted=%d  [arrows] move [a]uto=%v [+/-] speed [r]ebuild [q]uit",
		m.LevelCounts, m.Pool.Active, m.Pool.Free, m.Evictor.Evicted, v.auto)
	if v.msg != "" {
		status = v.msg
	}
	drawText(s, 0, 1, tcell.StyleDefault.Foreground(tcell.ColorGray), status)

	tr := v.engine.Tracker()
	center := tr.Tile()
	radius := gridRadius(w, h)
	grid := v.engine.LevelGrid(center, radius)
	culled := v.engine.LOD().Culled()
	side := 2*radius + 1
	for i, lvl := range grid {
		dx, dz := i%side-radius, i/side-radius
		c := tracker.TileCoord{X: center.X + dx, Z: center.Z + dz}
		style := tierStyles[tr.TierOf(c)]
		glyph := levelGlyph(lvl, culled)
		if lvl != encoding.NoTile && int(lvl) < culled && int(lvl) < len(levelColors) {
			style = style.Foreground(levelColors[lvl])
		}
		if dx == 0 && dz == 0 {
			glyph = '@'
			style = style.Bold(true).Foreground(tcell.ColorRed)
		}
		x, y := 2*(dx+radius), statusRows+dz+radius
		s.SetContent(x, y, glyph, nil, style)
		s.SetContent(x+1, y, ' ', nil, style)
	}
	s.Show()
}

func levelGlyph(lvl uint8, culled int) rune {
	switch {
	case lvl == encoding.NoTile:
		return '.'
	case int(lvl) >= culled:
		return '-'
	case lvl < 10:
		return rune('0' + lvl)
	default:
		return '+'
	}
}

func drawText(s tcell.Screen, x, y int, style tcell.Style, text string) {
	w, _ := s.Size()
	for _, r := range text {
		if x >= w {
			return
		}
		s.SetContent(x, y, r, nil, style)
		x++
	}
}
