// Package apiserver implements the control surface (C9, spec §6): a
// gin router exposing Info/Warmup/Prefill/Decode/AdapterControl plus a
// streaming generation endpoint over the Engine's Admit/Cancel/Events
// surface.
//
// Grounded on the teacher's Server/GenerateRoutes
// (server/routes.go: gin.Default, gin-contrib/cors config, one method
// per route bound directly to *Server) and its ndjson streamResponse
// helper (server/routes_misc.go), adapted from the teacher's
// model-serving routes to this engine's per-request admission/event
// model.
package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	pagedapi "github.com/pagedlora/batchengine/api"
	"github.com/pagedlora/batchengine/engine"
	"github.com/pagedlora/batchengine/internal/logutil"
	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/pagepool"
	"github.com/pagedlora/batchengine/request"
	"github.com/pagedlora/batchengine/seqcache"
)

// Server holds the engine's external dependencies and the id->Request
// table the handle-oriented Prefill/Decode RPCs need (spec §6).
type Server struct {
	name    string
	modelID string
	eng     *engine.Engine
	reg     *lora.Registry
	pool    *pagepool.Pool

	mu   sync.Mutex
	byID map[string]*request.Request
}

// New builds a Server bound to a running Engine.
func New(name, modelID string, eng *engine.Engine, reg *lora.Registry, pool *pagepool.Pool) *Server {
	return &Server{
		name:    name,
		modelID: modelID,
		eng:     eng,
		reg:     reg,
		pool:    pool,
		byID:    make(map[string]*request.Request),
	}
}

// Router builds the gin.Engine exposing the control surface, grounded
// on the teacher's GenerateRoutes (server/routes.go).
func (s *Server) Router() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Content-Type", "Authorization"}

	r := gin.Default()
	r.Use(cors.New(corsConfig))

	r.GET("/v1/info", s.InfoHandler)
	r.POST("/v1/warmup", s.WarmupHandler)
	r.POST("/v1/prefill", s.PrefillHandler)
	r.POST("/v1/decode", s.DecodeHandler)
	r.POST("/v1/adapters", s.AdapterControlHandler)
	r.POST("/v1/generate", s.GenerateHandler)
	r.POST("/v1/cancel/:id", s.CancelHandler)

	return r
}

// InfoHandler answers Info(): engine name, model id, resident
// adapters, pool capacity (spec §6).
func (s *Server) InfoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, pagedapi.InfoResponse{
		EngineName:       s.name,
		ModelID:          s.modelID,
		ResidentAdapters: pagedapi.FromLoRAStatus(s.reg.Status()),
		PoolCapacityPage: s.pool.NumPages(),
		PoolFreePages:    s.pool.FreePages(),
		ActiveRequests:   s.eng.ActiveCount(),
	})
}

// WarmupHandler answers Warmup(batch, limits): a dry run that allocates
// and immediately releases the pages a batch of prompt lengths would
// need, surfacing whether the pool can satisfy it up front without
// admitting real requests (spec §6).
func (s *Server) WarmupHandler(c *gin.Context) {
	var req pagedapi.WarmupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var caches []*seqcache.Cache
	touched := 0
	ok := true
	for _, l := range req.PromptLens {
		cache, err := seqcache.New(s.pool, l)
		if err != nil {
			ok = false
			break
		}
		touched += cache.NumPages()
		caches = append(caches, cache)
	}
	for _, cache := range caches {
		cache.Release()
	}

	c.JSON(http.StatusOK, pagedapi.WarmupResponse{PagesTouched: touched, OK: ok})
}

// PrefillHandler answers Prefill(batch): admits every request in the
// body and waits for each one's first generation, returning the batch
// handle (the admitted request ids) alongside it (spec §6).
func (s *Server) PrefillHandler(c *gin.Context) {
	var reqs []pagedapi.AdmissionRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var handles []string
	var generations []pagedapi.StreamEvent
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		admitted, err := s.eng.Admit(c.Request.Context(), r.PromptTokenIDs, r.Sampler.ToDomain(), lora.AdapterID(r.AdapterID), r.Stopping.ToDomain())
		if err != nil {
			c.AbortWithStatusJSON(statusForAdmitErr(err), gin.H{"error": err.Error()})
			return
		}

		s.mu.Lock()
		s.byID[admitted.ID] = admitted
		s.mu.Unlock()
		handles = append(handles, admitted.ID)

		ev, ok := <-admitted.Events
		if ok {
			generations = append(generations, pagedapi.FromDomain(admitted.ID, ev))
		}
	}

	c.JSON(http.StatusOK, gin.H{"generations": generations, "batch_handle": handles})
}

// DecodeHandler answers Decode([batch_handle, ...]): pulls the next
// generation for each named request id, dropping ids whose stream has
// finished from the returned batch_handle so the caller knows to stop
// polling them (spec §6).
func (s *Server) DecodeHandler(c *gin.Context) {
	var body struct {
		BatchHandle []string `json:"batch_handle" validate:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var generations []pagedapi.StreamEvent
	var remaining []string
	for _, id := range body.BatchHandle {
		s.mu.Lock()
		r, ok := s.byID[id]
		s.mu.Unlock()
		if !ok {
			continue
		}

		ev, open := <-r.Events
		if !open {
			continue
		}
		generations = append(generations, pagedapi.FromDomain(id, ev))
		if !ev.IsFinished {
			remaining = append(remaining, id)
		} else {
			s.mu.Lock()
			delete(s.byID, id)
			s.mu.Unlock()
		}
	}

	resp := gin.H{"generations": generations}
	if len(remaining) > 0 {
		resp["batch_handle"] = remaining
	}
	c.JSON(http.StatusOK, resp)
}

// AdapterControlHandler answers AdapterControl({ids, op}) (spec §6).
func (s *Server) AdapterControlHandler(c *gin.Context) {
	var req pagedapi.AdapterControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch req.Op {
	case pagedapi.AdapterOpLoad:
		if req.Tensor == nil || len(req.IDs) != 1 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "load requires exactly one id and a tensor body"})
			return
		}
		if err := s.reg.Load(lora.AdapterID(req.IDs[0]), req.Tensor.ToDomain()); err != nil {
			c.AbortWithStatusJSON(statusForAdapterErr(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, pagedapi.AdapterControlResponse{OK: true})
	case pagedapi.AdapterOpRemove:
		for _, id := range req.IDs {
			if err := s.reg.Remove(lora.AdapterID(id)); err != nil {
				logutil.Trace("apiserver.AdapterControl: remove failed", "id", id, "err", err)
			}
		}
		c.JSON(http.StatusOK, pagedapi.AdapterControlResponse{OK: true})
	case pagedapi.AdapterOpStatus:
		c.JSON(http.StatusOK, pagedapi.AdapterControlResponse{Statuses: pagedapi.FromLoRAStatus(s.reg.Status()), OK: true})
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown op %q", req.Op)})
	}
}

// GenerateHandler admits one request and streams its events as
// ndjson, grounded on the teacher's streamResponse
// (server/routes_misc.go).
func (s *Server) GenerateHandler(c *gin.Context) {
	var req pagedapi.AdmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	admitted, err := s.eng.Admit(c.Request.Context(), req.PromptTokenIDs, req.Sampler.ToDomain(), lora.AdapterID(req.AdapterID), req.Stopping.ToDomain())
	if err != nil {
		c.AbortWithStatusJSON(statusForAdmitErr(err), gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Stream(func(w io.Writer) bool {
		ev, ok := <-admitted.Events
		if !ok {
			return false
		}
		if err := writeNDJSON(w, pagedapi.FromDomain(admitted.ID, ev)); err != nil {
			logutil.Trace("apiserver.Generate: write failed", "request", admitted.ID, "err", err)
			return false
		}
		return !ev.IsFinished
	})
}

// CancelHandler answers a cancellation for the request named in the
// path (spec §4.9).
func (s *Server) CancelHandler(c *gin.Context) {
	s.eng.Cancel(c.Param("id"))
	c.Status(http.StatusAccepted)
}

func writeNDJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func statusForAdmitErr(err error) int {
	switch {
	case errors.Is(err, request.ErrSequenceTooLong), errors.Is(err, request.ErrInvalidSamplerParams), errors.Is(err, lora.ErrAdapterNotFound):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrBackpressure):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrShutdown):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func statusForAdapterErr(err error) int {
	switch {
	case errors.Is(err, lora.ErrAdapterShapeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, lora.ErrBackpressure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
