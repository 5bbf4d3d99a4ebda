// Package scene is an in-memory stand-in for a renderer's scene graph. It
// hands out object proxies for the pool and records which terrain mesh is
// attached per tile.
package scene

import (
	"errors"

	"tilestream.ai/internal/sim/pool"
	"tilestream.ai/internal/sim/terrain"
	"tilestream.ai/internal/sim/tracker"
)

var ErrLimit = errors.New("scene: object limit reached")

type Object struct {
	ID     pool.ObjectID
	Kind   string
	Active bool
	Parent pool.Parent
	Pose   pool.Pose
}

type Attachment struct {
	Level int
	Mesh  *terrain.Mesh
}

type Stats struct {
	Objects   int `json:"objects"`
	Active    int `json:"active"`
	Tiles     int `json:"tiles"`
	Triangles int `json:"triangles"`
	MeshBytes int `json:"mesh_bytes"`
}

// Registry is not safe for concurrent use.
type Registry struct {
	// MaxObjects limits Instantiate; zero means unlimited.
	MaxObjects int

	next    pool.ObjectID
	objects map[pool.ObjectID]*Object
	tiles   map[tracker.TileCoord]Attachment
}

func NewRegistry() *Registry {
	return &Registry{
		objects: map[pool.ObjectID]*Object{},
		tiles:   map[tracker.TileCoord]Attachment{},
	}
}

func (r *Registry) Instantiate(kind string) (pool.ObjectID, error) {
	if r.MaxObjects > 0 && len(r.objects) >= r.MaxObjects {
		return 0, ErrLimit
	}
	r.next++
	r.objects[r.next] = &Object{ID: r.next, Kind: kind, Parent: pool.ParentPool}
	return r.next, nil
}

func (r *Registry) Destroy(id pool.ObjectID) { delete(r.objects, id) }

func (r *Registry) Reparent(id pool.ObjectID, parent pool.Parent) {
	if o := r.objects[id]; o != nil {
		o.Parent = parent
	}
}

func (r *Registry) SetActive(id pool.ObjectID, active bool) {
	if o := r.objects[id]; o != nil {
		o.Active = active
	}
}

func (r *Registry) SetTransform(id pool.ObjectID, pose pool.Pose) {
	if o := r.objects[id]; o != nil {
		o.Pose = pose
	}
}

func (r *Registry) Alive(id pool.ObjectID) bool {
	_, ok := r.objects[id]
	return ok
}

func (r *Registry) Object(id pool.ObjectID) (Object, bool) {
	o, ok := r.objects[id]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Attach replaces whatever mesh the tile showed.
func (r *Registry) Attach(tile tracker.TileCoord, level int, m *terrain.Mesh) {
	r.tiles[tile] = Attachment{Level: level, Mesh: m}
}

func (r *Registry) Detach(tile tracker.TileCoord) { delete(r.tiles, tile) }

func (r *Registry) Attached(tile tracker.TileCoord) (Attachment, bool) {
	a, ok := r.tiles[tile]
	return a, ok
}

func (r *Registry) Stats() Stats {
	st := Stats{Objects: len(r.objects), Tiles: len(r.tiles)}
	for _, o := range r.objects {
		if o.Active {
			st.Active++
		}
	}
	for _, a := range r.tiles {
		st.Triangles += a.Mesh.Triangles()
		st.MeshBytes += a.Mesh.Bytes()
	}
	return st
}
