package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"tilestream.ai/internal/persistence/indexdb"
	"tilestream.ai/internal/protocol"
	"tilestream.ai/internal/sim/stream"
	"tilestream.ai/internal/sim/tracker"
	"tilestream.ai/internal/transport/observer"
)

type adminEngine interface {
	Metrics() stream.Metrics
	Rebuild() chan<- stream.RebuildRequest
}

type stateResponse struct {
	Tick         uint64         `json:"tick"`
	TuningDigest string         `json:"tuning_digest,omitempty"`
	Metrics      stream.Metrics `json:"metrics"`
	Index        *indexdb.Stats `json:"index,omitempty"`
}

func stateHandler(e adminEngine, idx indexStats, digest string) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			observer.WriteError(rw, http.StatusForbidden, protocol.ErrForbidden, "loopback only")
			return
		}
		m := e.Metrics()
		resp := stateResponse{Tick: m.Tick, TuningDigest: digest, Metrics: m}
		if idx != nil {
			st := idx.Stats()
			resp.Index = &st
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

type rebuildRequest struct {
	X int `json:"x"`
	Z int `json:"z"`
}

// rebuildHandler queues an LOD rebuild for one tile through the engine loop.
func rebuildHandler(e adminEngine, timeout time.Duration) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			observer.WriteError(rw, http.StatusForbidden, protocol.ErrForbidden, "loopback only")
			return
		}
		var body rebuildRequest
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&body); err != nil {
			observer.WriteError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "bad json: "+err.Error())
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		tile := tracker.TileCoord{X: body.X, Z: body.Z}
		req := stream.RebuildRequest{Tile: tile, Resp: make(chan error, 1)}
		select {
		case e.Rebuild() <- req:
		case <-ctx.Done():
			observer.WriteError(rw, http.StatusServiceUnavailable, protocol.ErrBusy, "engine busy")
			return
		}
		var err error
		select {
		case err = <-req.Resp:
		case <-ctx.Done():
			observer.WriteError(rw, http.StatusServiceUnavailable, protocol.ErrBusy, "engine busy")
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, stream.ErrNotLoaded):
			observer.WriteError(rw, http.StatusNotFound, protocol.ErrNotLoaded, err.Error())
			return
		default:
			observer.WriteError(rw, http.StatusInternalServerError, protocol.ErrInternal, err.Error())
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tile": tile})
	}
}
