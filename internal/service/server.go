package service

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/logger"
	"github.com/Tgmmmmmmmm/flash-linear-attention/internal/version"
	"github.com/Tgmmmmmmmm/flash-linear-attention/pkg/gla"
)

// Server exposes the attention engine over HTTP so other stacks can
// differential-test against it. Calls are stateless: each request
// carries its full tensors and engine configuration, and backward
// replays the forward pass before differentiating.
type Server struct {
	log   logger.Logger
	clock func() time.Time
	start time.Time
}

func NewServer(log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	s := &Server{
		log:   log,
		clock: time.Now,
	}
	s.start = s.clock()
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/forward", s.handleForward)
	e.POST("/v1/backward", s.handleBackward)
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", s.handleMetrics)
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		observeRequest("forward", http.StatusBadRequest, 0)
		return writeBadRequest(c, err.Error())
	}
	requestID := "fwd_" + uuid.NewString()
	started := s.clock()

	engine, err := engineFor(&req)
	if err != nil {
		return s.fail(c, "forward", requestID, err)
	}
	params := forwardParams(&req)
	res, err := engine.Forward(params)
	if err != nil {
		return s.fail(c, "forward", requestID, err)
	}
	elapsed := s.clock().Sub(started)

	observeRequest("forward", http.StatusOK, elapsed)
	requestRows.Observe(float64(params.Batch * params.SeqLen))
	s.log.Debug("forward served",
		"request_id", requestID,
		"rows", params.Batch*params.SeqLen,
		"elapsed", elapsed)

	return writeJSON(c, http.StatusOK, ForwardResponse{
		RequestID:  requestID,
		Output:     res.Output,
		FinalState: res.FinalState,
		ElapsedMS:  float64(elapsed) / float64(time.Millisecond),
	})
}

func (s *Server) handleBackward(c *echo.Context) error {
	req, err := decodeJSON[BackwardRequest](c.Request().Body)
	if err != nil {
		observeRequest("backward", http.StatusBadRequest, 0)
		return writeBadRequest(c, err.Error())
	}
	requestID := "bwd_" + uuid.NewString()
	started := s.clock()

	engine, err := engineFor(&req.ForwardRequest)
	if err != nil {
		return s.fail(c, "backward", requestID, err)
	}
	params := forwardParams(&req.ForwardRequest)
	res, err := engine.Forward(params)
	if err != nil {
		return s.fail(c, "backward", requestID, err)
	}
	grads, err := engine.Backward(res, req.DOutput, req.DFinalState)
	if err != nil {
		return s.fail(c, "backward", requestID, err)
	}
	elapsed := s.clock().Sub(started)

	observeRequest("backward", http.StatusOK, elapsed)
	requestRows.Observe(float64(params.Batch * params.SeqLen))
	s.log.Debug("backward served",
		"request_id", requestID,
		"rows", params.Batch*params.SeqLen,
		"elapsed", elapsed)

	return writeJSON(c, http.StatusOK, BackwardResponse{
		RequestID:     requestID,
		DQ:            grads.DQ,
		DK:            grads.DK,
		DV:            grads.DV,
		DGate:         grads.DGate,
		DInitialState: grads.DInitialState,
		ElapsedMS:     float64(elapsed) / float64(time.Millisecond),
	})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return writeJSON(c, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Uptime:  s.clock().Sub(s.start).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func (s *Server) fail(c *echo.Context, operation, requestID string, err error) error {
	status, werr := writeEngineError(c, err)
	observeRequest(operation, status, 0)
	s.log.Warn("request rejected",
		"operation", operation,
		"request_id", requestID,
		"status", status,
		"error", err)
	return werr
}

// engineFor builds the engine a request asks for. Engines are small and
// stateless, so per-request construction costs nothing worth caching.
func engineFor(req *ForwardRequest) (*gla.Engine, error) {
	cfg := gla.Config{
		ChunkLen: req.ChunkLen,
		Workers:  req.Workers,
	}
	if req.Mode != "" {
		mode, err := gla.ParseMode(req.Mode)
		if err != nil {
			return nil, err
		}
		cfg.Mode = mode
	}
	if req.Tier != "" {
		tier, err := gla.ParseTier(req.Tier)
		if err != nil {
			return nil, err
		}
		cfg.Tier = tier
	}
	return gla.New(cfg)
}

func forwardParams(req *ForwardRequest) gla.ForwardParams {
	batch := req.Batch
	seqLen := req.SeqLen
	// Packed layouts fix batch at 1 and let seq_len follow the last
	// boundary, so requests may omit both.
	if req.CuSeqlens != nil {
		if batch == 0 {
			batch = 1
		}
		if seqLen == 0 && len(req.CuSeqlens) > 0 {
			seqLen = int(req.CuSeqlens[len(req.CuSeqlens)-1])
		}
	}
	return gla.ForwardParams{
		Q:                req.Q,
		K:                req.K,
		V:                req.V,
		Gate:             req.Gate,
		Batch:            batch,
		SeqLen:           seqLen,
		CuSeqlens:        req.CuSeqlens,
		QHeads:           req.QHeads,
		KVHeads:          req.KVHeads,
		KeyDim:           req.KeyDim,
		ValDim:           req.ValDim,
		Scale:            req.Scale,
		InitialState:     req.InitialState,
		OutputFinalState: req.OutputFinalState,
	}
}
