package collab

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/formlab/collab/internal/config"
	"github.com/formlab/collab/internal/slogging"
	"github.com/formlab/collab/internal/uuidgen"
)

// Engine assembles the collaboration service: room registry, session
// manager, dispatcher, backplane, rate limiting, persistence, and the
// WebSocket transport.
type Engine struct {
	cfg  *config.Config
	pool *pgxpool.Pool
	rdb  redis.UniversalClient

	registry   *Registry
	sessions   *SessionManager
	dispatcher *Dispatcher
	backplane  *Backplane
	limiter    *SessionRateLimiter
	sink       *RedisStreamSink
	consumer   *OplogConsumer
	wsHandler  *WSHandler
	metrics    *Metrics
	promReg    *prometheus.Registry
}

// NewEngine wires the engine's components together. Nothing starts
// running until Start.
func NewEngine(cfg *config.Config, pool *pgxpool.Pool, rdb redis.UniversalClient) *Engine {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(promReg)

	nodeID := uuidgen.MustNewForEntity(uuidgen.EntityTypeRoom).String()
	backplane := NewBackplane(rdb, nodeID, cfg.Collab.LockTTL)

	dispatcher := NewDispatcher(backplane, metrics, cfg.Collab.PresenceThrottle)
	sessions := NewSessionManager(cfg.Collab.SessionGraceWindow, metrics)
	dispatcher.SetDirectory(sessions)

	loader := NewPostgresSnapshotLoader(pool)
	sink := NewRedisStreamSink(rdb, DefaultOplogStream)

	registry := NewRegistry(RegistryConfig{
		Room: RoomConfig{
			LockTTL:              cfg.Collab.LockTTL,
			ReplayCapacity:       cfg.Collab.ReplayCapacity,
			IdempotencyCacheSize: cfg.Collab.IdempotencyCacheSize,
		},
		RoomEvictionDelay: cfg.Collab.RoomEvictionDelay,
		LockSweepInterval: cfg.Collab.LockSweepInterval,
		LeaseRenewal:      cfg.Collab.LockTTL / 3,
	}, loader, sink, backplane, dispatcher, sessions, metrics)
	sessions.Bind(registry, dispatcher)

	limiter := NewSessionRateLimiter(rdb, SessionRateLimits{
		OpsPerMinute:        cfg.Collab.OpsPerMinute,
		PresencePerMinute:   cfg.Collab.PresencePerMinute,
		AbuseViolationLimit: cfg.Collab.AbuseViolationLimit,
	}, metrics)

	router := NewMessageRouter()
	router.RegisterHandler(MessageTypeOperationSubmit, NewOperationSubmitHandler(sessions, limiter))
	router.RegisterHandler(MessageTypeLockRequest, NewLockRequestHandler(sessions, dispatcher))
	router.RegisterHandler(MessageTypeLockRenew, NewLockRenewHandler(sessions))
	router.RegisterHandler(MessageTypeLockRelease, NewLockReleaseHandler(sessions))
	router.RegisterHandler(MessageTypeCursorUpdate, NewCursorUpdateHandler(sessions, dispatcher, limiter))

	verifier := NewTicketVerifier(cfg.Auth.TicketSecret, cfg.Auth.TicketMaxAge)
	wsHandler := NewWSHandler(verifier, sessions, router,
		cfg.Auth.AllowedOrigins, cfg.Auth.AllowAllOrigins)

	return &Engine{
		cfg:        cfg,
		pool:       pool,
		rdb:        rdb,
		registry:   registry,
		sessions:   sessions,
		dispatcher: dispatcher,
		backplane:  backplane,
		limiter:    limiter,
		sink:       sink,
		consumer:   NewOplogConsumer(rdb, pool, DefaultOplogStream, DefaultOplogGroup, nodeID),
		wsHandler:  wsHandler,
		metrics:    metrics,
		promReg:    promReg,
	}
}

// Start launches the backplane receiver, registry maintenance, and the
// oplog write-through consumer.
func (e *Engine) Start(ctx context.Context) error {
	e.backplane.Start(e.dispatcher.HandleEnvelope)
	e.registry.Start()
	if err := e.consumer.Start(ctx); err != nil {
		return err
	}
	slogging.Get().Info("Collaboration engine started (node %s)", e.backplane.NodeID())
	return nil
}

// RegisterRoutes mounts the engine's HTTP surface on a gin router.
func (e *Engine) RegisterRoutes(r *gin.Engine) {
	r.GET("/ws/forms/:form_id", e.wsHandler.HandleWS)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(e.promReg, promhttp.HandlerOpts{})))
	r.GET("/healthz", e.handleHealthz)
	r.GET("/readyz", e.handleReadyz)
}

func (e *Engine) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"rooms":    e.registry.RoomCount(),
		"sessions": e.sessions.SessionCount(),
	})
}

// handleReadyz verifies the dependencies a join actually needs: the
// snapshot store and the Redis backplane.
func (e *Engine) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := e.pool.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "postgres unavailable"})
		return
	}
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Shutdown drains the engine: rooms are torn down (flushing their state
// through the oplog), sessions are closed, and the consumer stops.
func (e *Engine) Shutdown(ctx context.Context) {
	slogging.Get().Info("Collaboration engine shutting down")
	e.registry.Close()
	e.sessions.Close()
	e.sink.Close()
	e.consumer.Stop()
	if err := e.backplane.Close(); err != nil {
		slogging.Get().Warn("Backplane close failed: %v", err)
	}
}
