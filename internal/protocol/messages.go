package protocol

// Client -> Server. First message on the telemetry WS connection; may be
// re-sent to change the grid.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	// GridRadius is the half-size, in tiles, of the level grid sent in TILES.
	GridRadius int `json:"grid_radius"`
	// TilesEveryTicks throttles TILES messages; 0 uses the server default.
	TilesEveryTicks int `json:"tiles_every_ticks,omitempty"`
}

// HTTP response for GET /v1/observe/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Tick            uint64       `json:"tick"`
	Params          StreamParams `json:"stream_params"`
}

type StreamParams struct {
	TargetRateHz int        `json:"target_rate_hz"`
	TileSize     float64    `json:"tile_size"`
	Radii        [4]float64 `json:"radii"`
	Thresholds   []float64  `json:"lod_thresholds"`
	Resolutions  []int      `json:"lod_resolutions"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	StepMS     float64    `json:"step_ms"`
	AvgMS      float64    `json:"avg_ms"`
	Overloaded bool       `json:"overloaded"`
	Observer   [3]float64 `json:"observer"`
	Tile       [2]int     `json:"tile"`
	Speed      float64    `json:"speed"`

	ItemLimit  int     `json:"item_limit"`
	BudgetMS   float64 `json:"budget_ms"`
	Executed   int     `json:"executed"`
	QueueDepth int     `json:"queue_depth"`

	ActiveTiles int    `json:"active_tiles"`
	Decorations int    `json:"decorations"`
	PoolFree    int    `json:"pool_free"`
	Evicted     uint64 `json:"evicted"`
}

// Server -> Client. LOD levels around the observer's tile.
type TilesMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Center          [2]int `json:"center"`
	Radius          int    `json:"radius"`
	Encoding        string `json:"encoding"`
	Data            string `json:"data"`
}

// ErrorMsg is the body of failed admin requests.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, msg string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: msg}
}
