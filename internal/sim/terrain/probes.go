package terrain

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ViewCone approximates a camera frustum on the horizontal plane: the heading
// is the observer's direction of travel. A stationary observer sees
// everything.
type ViewCone struct {
	HalfAngle float64 // radians
	MinSpeed  float64

	origin  mgl64.Vec3
	heading mgl64.Vec3
	moving  bool
}

func NewViewCone(halfAngleDeg float64) *ViewCone {
	return &ViewCone{HalfAngle: mgl64.DegToRad(halfAngleDeg), MinSpeed: 0.01}
}

// Aim points the cone from pos along the horizontal part of velocity.
func (c *ViewCone) Aim(pos, velocity mgl64.Vec3) {
	c.origin = pos
	flat := mgl64.Vec3{velocity[0], 0, velocity[2]}
	if flat.Len() <= c.MinSpeed {
		c.moving = false
		return
	}
	c.heading = flat.Normalize()
	c.moving = true
}

func (c *ViewCone) Visible(center mgl64.Vec3, radius float64) bool {
	if !c.moving || c.HalfAngle >= math.Pi {
		return true
	}
	to := mgl64.Vec3{center[0] - c.origin[0], 0, center[2] - c.origin[2]}
	d := to.Len()
	if d <= radius {
		return true
	}
	angle := math.Acos(mgl64.Clamp(to.Mul(1/d).Dot(c.heading), -1, 1))
	slack := math.Asin(mgl64.Clamp(radius/d, 0, 1))
	return angle <= c.HalfAngle+slack
}

// Marker is a point of interest that raises detail around it.
type Marker struct {
	Pos    mgl64.Vec3
	Weight float64
}

// Markers sums linear falloff contributions of nearby markers on top of Base.
type Markers struct {
	Base  float64
	Items []Marker
}

func (m *Markers) Add(pos mgl64.Vec3, weight float64) {
	m.Items = append(m.Items, Marker{Pos: pos, Weight: weight})
}

func (m *Markers) ImportanceNear(pos mgl64.Vec3, radius float64) float64 {
	v := m.Base
	if radius <= 0 {
		return v
	}
	for _, mk := range m.Items {
		d := mk.Pos.Sub(pos).Len()
		if d >= radius {
			continue
		}
		v += mk.Weight * (1 - d/radius)
	}
	return v
}
