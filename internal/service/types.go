package service

// ForwardRequest carries one forward evaluation. Tensors arrive as flat
// row-major float32 arrays with the same layouts the engine takes:
// q is [batch, seq_len, q_heads, key_dim], k and gate are
// [batch, seq_len, kv_heads, key_dim], v is [batch, seq_len, kv_heads,
// val_dim]. With cu_seqlens set, batch must be 1 and seq_len spans the
// packed rows.
type ForwardRequest struct {
	Batch     int     `json:"batch,omitempty"`
	SeqLen    int     `json:"seq_len,omitempty"`
	CuSeqlens []int32 `json:"cu_seqlens,omitempty"`

	QHeads  int `json:"q_heads"`
	KVHeads int `json:"kv_heads"`
	KeyDim  int `json:"key_dim"`
	ValDim  int `json:"val_dim"`

	Scale float32 `json:"scale,omitempty"`

	Q    []float32 `json:"q"`
	K    []float32 `json:"k"`
	V    []float32 `json:"v"`
	Gate []float32 `json:"gate"`

	InitialState     []float32 `json:"initial_state,omitempty"`
	OutputFinalState bool      `json:"output_final_state,omitempty"`

	// Mode and Tier default to "chunked" and "balanced"; ChunkLen zero
	// keeps the tier preset and Workers zero sizes the pool from the
	// host.
	Mode     string `json:"mode,omitempty"`
	Tier     string `json:"tier,omitempty"`
	ChunkLen int    `json:"chunk_len,omitempty"`
	Workers  int    `json:"workers,omitempty"`
}

type ForwardResponse struct {
	RequestID  string    `json:"request_id"`
	Output     []float32 `json:"output"`
	FinalState []float32 `json:"final_state,omitempty"`
	ElapsedMS  float64   `json:"elapsed_ms"`
}

// BackwardRequest replays a forward call and differentiates it. The
// embedded forward fields must describe the same call the cotangents
// were produced for; d_output matches the output layout and
// d_final_state, when present, matches the final-state layout.
type BackwardRequest struct {
	ForwardRequest

	DOutput     []float32 `json:"d_output"`
	DFinalState []float32 `json:"d_final_state,omitempty"`
}

type BackwardResponse struct {
	RequestID     string    `json:"request_id"`
	DQ            []float32 `json:"dq"`
	DK            []float32 `json:"dk"`
	DV            []float32 `json:"dv"`
	DGate         []float32 `json:"dgate"`
	DInitialState []float32 `json:"d_initial_state,omitempty"`
	ElapsedMS     float64   `json:"elapsed_ms"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}
