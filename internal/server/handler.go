package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/types"
	"github.com/andresmejia3/headcount/internal/worker"
)

// Counter turns one encoded image into a person count. *worker.Client satisfies it.
type Counter interface {
	Count(ctx context.Context, img []byte) (worker.Result, error)
}

// Sink receives every successful occupancy observation.
type Sink interface {
	Record(ctx context.Context, u types.OccupancyUpdate) error
}

// SnapshotHandler accepts camera snapshots per court and fans the resulting counts out to sinks.
type SnapshotHandler struct {
	counter Counter
	sinks   []Sink
	maxBody int64
	logger  logrus.FieldLogger
	now     func() time.Time

	mu     sync.RWMutex
	latest map[string]types.OccupancyUpdate
}

// NewSnapshotHandler creates the handler. Nil sinks are ignored.
func NewSnapshotHandler(counter Counter, maxBody int64, logger logrus.FieldLogger, sinks ...Sink) *SnapshotHandler {
	h := &SnapshotHandler{
		counter: counter,
		maxBody: maxBody,
		logger:  logger,
		now:     time.Now,
		latest:  make(map[string]types.OccupancyUpdate),
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

// RegisterRoutes attaches the snapshot API to r.
func (h *SnapshotHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/", h.Health)
	r.POST("/snapshot/:courtId", h.Snapshot)
	r.GET("/occupancy", h.ListOccupancy)
	r.GET("/occupancy/:courtId", h.GetOccupancy)
}

// Health reports liveness.
func (h *SnapshotHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Snapshot counts people in a JPEG body and records the count for the court.
func (h *SnapshotHandler) Snapshot(c *gin.Context) {
	court := strings.TrimSpace(c.Param("courtId"))
	log := h.logger.WithFields(logrus.Fields{"court": court, "request_id": c.GetString(requestIDKey)})

	// Only image/jpeg bodies are read; anything else counts as no body at all
	if c.ContentType() != "image/jpeg" {
		c.String(http.StatusBadRequest, "Empty JPEG body")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBody))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "JPEG body too large"})
			return
		}
		log.WithError(err).Warn("reading snapshot failed")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read body"})
		return
	}
	if len(body) == 0 {
		c.String(http.StatusBadRequest, "Empty JPEG body")
		return
	}

	res, err := h.counter.Count(c.Request.Context(), body)
	if err != nil {
		log.WithError(err).Error("snapshot processing failed")
		c.String(http.StatusInternalServerError, "error")
		return
	}

	u := types.OccupancyUpdate{CourtID: court, Count: res.Count, At: h.now().UTC()}
	h.mu.Lock()
	h.latest[court] = u
	h.mu.Unlock()

	var errs []error
	for _, s := range h.sinks {
		if err := s.Record(c.Request.Context(), u); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Error("recording occupancy failed")
		c.String(http.StatusInternalServerError, "error")
		return
	}

	log.WithField("count", res.Count).Info("occupancy updated")
	c.Status(http.StatusNoContent)
}

// ListOccupancy returns the latest count of every court seen by this process.
func (h *SnapshotHandler) ListOccupancy(c *gin.Context) {
	h.mu.RLock()
	out := make([]types.OccupancyUpdate, 0, len(h.latest))
	for _, u := range h.latest {
		out = append(out, u)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CourtID < out[j].CourtID })
	c.JSON(http.StatusOK, out)
}

// GetOccupancy returns the latest count for one court.
func (h *SnapshotHandler) GetOccupancy(c *gin.Context) {
	h.mu.RLock()
	u, ok := h.latest[c.Param("courtId")]
	h.mu.RUnlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown court"})
		return
	}
	c.JSON(http.StatusOK, u)
}

const requestIDKey = "request_id"

// RequestID tags each request with a uuid, reusing X-Request-ID when the caller sent one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Logger writes one logrus line per request.
func Logger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).String(),
			"request_id": c.GetString(requestIDKey),
		}).Debug("request")
	}
}
