package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gponlabs/oltmon/pkg/composite"
	"github.com/gponlabs/oltmon/pkg/events"
	"github.com/gponlabs/oltmon/pkg/log"
	"github.com/gponlabs/oltmon/pkg/metrics"
	"github.com/gponlabs/oltmon/pkg/poller"
	"github.com/gponlabs/oltmon/pkg/storage"
	"github.com/gponlabs/oltmon/pkg/types"
)

// TriggerManual marks executions started through the run endpoint
const TriggerManual = "manual"

// SchedulerStatus is the slice of the scheduler the API reports on
type SchedulerStatus interface {
	Running() bool
}

// Server is the read-mostly observability surface: poller state, queue
// contents, pool statistics and a manual-run escape hatch. Everything
// that changes polling behavior beyond one forced run lives outside
// this process.
type Server struct {
	store    storage.Store
	pool     *poller.Pool
	sched    SchedulerStatus
	recorder *events.Recorder
	logger   zerolog.Logger

	httpServer *http.Server
}

// NewServer creates the HTTP API server
func NewServer(store storage.Store, pool *poller.Pool, sched SchedulerStatus, recorder *events.Recorder) *Server {
	return &Server{
		store:    store,
		pool:     pool,
		sched:    sched,
		recorder: recorder,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes mounted
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/events", s.handleEvents)

	pollers := router.Group("/pollers")
	{
		pollers.GET("", s.handlePollers)
		pollers.GET("/queue", s.handleQueue)
		pollers.GET("/stats", s.handleStats)
		pollers.POST("/nodes/:id/run", s.handleRunNode)
	}
	return router
}

// Start serves the API on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	// Readiness is storage reachability plus a live scheduler
	if _, err := s.store.ListOLTs(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "storage unavailable", "error": err.Error()})
		return
	}
	if !s.sched.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "scheduler not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handlePollers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pollers": s.pool.Snapshots(),
		"stats":   s.pool.Stats(c.Request.Context()),
	})
}

// handleEvents serves the recent lifecycle events, oldest first
func (s *Server) handleEvents(c *gin.Context) {
	recent := []*events.Event{}
	if s.recorder != nil {
		recent = s.recorder.Recent()
	}
	c.JSON(http.StatusOK, gin.H{"events": recent, "count": len(recent)})
}

// queuedNode is the wire shape of one backlog entry
type queuedNode struct {
	NodeID       int64  `json:"node_id"`
	OLTID        int64  `json:"olt_id"`
	OLTName      string `json:"olt_name"`
	Priority     int    `json:"priority"`
	Delayed      bool   `json:"delayed"`
	DelaySeconds int64  `json:"delay_seconds"`
}

func (s *Server) handleQueue(c *gin.Context) {
	entries := s.pool.Queue().Peek(100)
	queued := make([]queuedNode, 0, len(entries))
	for _, cn := range entries {
		queued = append(queued, queuedNode{
			NodeID:       cn.MasterID(),
			OLTID:        cn.OLTID(),
			OLTName:      cn.OLT.Name,
			Priority:     cn.Priority,
			Delayed:      cn.Delayed,
			DelaySeconds: cn.DelaySeconds,
		})
	}

	active, err := s.store.ListActiveExecutions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	q := s.pool.Queue()
	c.JSON(http.StatusOK, gin.H{
		"size":        q.Len(),
		"max_size":    q.MaxSize(),
		"is_overload": q.IsOverload(),
		"next_nodes":  queued,
		"active":      active,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := s.pool.Stats(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"pollers":           stats,
		"scheduler_running": s.sched.Running(),
		"start_pollers":     s.pool.Size(),
	})
}

// handleRunNode forces one poll of a master node, bypassing its
// schedule. Chain nodes cannot be run directly; their master drives
// them.
func (s *Server) handleRunNode(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid node id"})
		return
	}
	ctx := c.Request.Context()

	node, err := s.store.GetWorkflowNode(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if node.IsChainNode {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chain nodes run through their master"})
		return
	}

	if active, err := s.store.ListActiveExecutionsByNode(ctx, node.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	} else if len(active) > 0 {
		c.JSON(http.StatusConflict, gin.H{"status": "already_running", "execution_id": active[0].ID})
		return
	}

	wf, err := s.store.GetWorkflow(ctx, node.WorkflowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	olt, err := s.store.GetOLT(ctx, wf.OLTID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	chain, err := s.store.ListChainNodes(ctx, node.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	cn := composite.New(node, chain, wf, olt)
	cn.CalculateDelay(time.Now())
	summary := map[string]string{types.ResultKeyTrigger: TriggerManual}

	outcome, err := s.pool.AssignSync(ctx, cn, summary)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if outcome == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "node_id": node.ID})
		return
	}

	switch outcome.Kind {
	case composite.Dispatched:
		s.logger.Info().Int64("node_id", node.ID).Str("execution_id", outcome.Execution.ID).Msg("Manual run dispatched")
		c.JSON(http.StatusAccepted, gin.H{"status": "dispatched", "execution_id": outcome.Execution.ID})
	case composite.AlreadyRunning:
		resp := gin.H{"status": "already_running"}
		if outcome.Execution != nil {
			resp["execution_id"] = outcome.Execution.ID
		}
		c.JSON(http.StatusConflict, resp)
	default:
		if outcome.Reason == composite.ReasonOLTBusy {
			// Honor the request once the OLT frees up
			s.pool.Enqueue(cn)
			c.JSON(http.StatusAccepted, gin.H{"status": "queued", "node_id": node.ID})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"status": "rejected", "reason": outcome.Reason})
	}
}
