package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/proxy-rotator/internal/pool"
	"github.com/proxy-rotator/internal/snapshot"
	"github.com/proxy-rotator/internal/types"
	log "github.com/sirupsen/logrus"
)

// writeError maps pool errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var cfgErr *pool.ConfigError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pool.ErrNoHealthyProxy), errors.Is(err, pool.ErrNoWorkingProxy):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pool.ErrIndexOutOfRange):
		status = http.StatusNotFound
	case errors.As(err, &cfgErr):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func wantsJSON(c *gin.Context) bool {
	return c.Query("format") == "json" || strings.Contains(c.GetHeader("Accept"), "application/json")
}

func writeProxy(c *gin.Context, d pool.Descriptor) {
	if !wantsJSON(c) {
		c.String(http.StatusOK, d.URL+"\n")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":         d.URL,
		"address":     d.Address,
		"port":        d.Port,
		"scheme":      d.Scheme,
		"working":     d.Working,
		"blacklisted": d.Blacklisted,
	})
}

func indexParam(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid index parameter"})
		return 0, false
	}
	return index, true
}

func (s *Server) refresh() *types.Snapshot {
	return s.snapshot.Refresh(s.registry)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleGetProxy(c *gin.Context) {
	d, err := s.executor.GetProxy(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeProxy(c, d)
}

func (s *Server) handleRandomProxy(c *gin.Context) {
	d, ok := s.registry.Random()
	if !ok {
		writeError(c, pool.ErrNoWorkingProxy)
		return
	}
	writeProxy(c, d)
}

func (s *Server) handleListProxies(c *gin.Context) {
	snap := snapshot.Capture(s.registry)
	proxies := snap.Proxies

	if c.Query("working") == "1" {
		filtered := make([]types.Proxy, 0, len(proxies))
		for _, p := range proxies {
			if p.Working && !p.Blacklisted {
				filtered = append(filtered, p)
			}
		}
		proxies = filtered
	}

	if !wantsJSON(c) {
		var b strings.Builder
		for _, p := range proxies {
			b.WriteString(p.URL)
			b.WriteString("\n")
		}
		c.String(http.StatusOK, b.String())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":   snap.Stats.Total,
		"working": snap.Stats.Working,
		"proxies": proxies,
	})
}

type addProxyRequest struct {
	Address string `json:"address" binding:"required"`
	Port    int    `json:"port" binding:"min=0,max=65535"`
	Check   bool   `json:"check"`
}

func (s *Server) handleAddProxy(c *gin.Context) {
	var req addProxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	index := s.registry.AddProxy(req.Address, req.Port)
	resp := gin.H{"index": index}

	if req.Check {
		working, err := s.checker.CheckProxyHealth(c.Request.Context(), index)
		if err != nil {
			writeError(c, err)
			return
		}
		resp["working"] = working
	}

	d, err := s.registry.Get(index)
	if err == nil {
		resp["url"] = d.URL
	}
	s.refresh()
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) handleRemoveProxy(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	if err := s.registry.RemoveProxy(index); err != nil {
		writeError(c, err)
		return
	}
	s.refresh()
	c.JSON(http.StatusOK, gin.H{"removed": index})
}

func (s *Server) handleClearProxies(c *gin.Context) {
	s.registry.ClearProxies()
	s.refresh()
	c.JSON(http.StatusOK, gin.H{"message": "Pool cleared"})
}

func (s *Server) handleCheckAll(c *gin.Context) {
	results := s.checker.TestAll(c.Request.Context())
	snap := s.refresh()
	c.JSON(http.StatusOK, gin.H{
		"working": snap.Stats.Working,
		"total":   snap.Stats.Total,
		"results": results,
	})
}

func (s *Server) handleCheckOne(c *gin.Context) {
	index, ok := indexParam(c)
	if !ok {
		return
	}
	working, err := s.checker.CheckProxyHealth(c.Request.Context(), index)
	if err != nil {
		writeError(c, err)
		return
	}
	s.refresh()
	c.JSON(http.StatusOK, gin.H{"index": index, "working": working})
}

// handleRotate advances the pointer, or with rebuild=1 forces a rebuild that
// clears every working flag until the next check.
func (s *Server) handleRotate(c *gin.Context) {
	kind := pool.RotationAdvance
	if c.Query("rebuild") == "1" {
		kind = pool.RotationRebuild
		s.registry.Rebuild() // counted by the registry's rotate hook
	} else {
		s.registry.RotateProxies()
		s.metrics.RecordRotation(kind.String())
	}

	snap := s.refresh()
	c.JSON(http.StatusOK, gin.H{
		"rotation":      kind.String(),
		"current_index": snap.Stats.CurrentIndex,
		"working":       snap.Stats.Working,
	})
}

type markRequest struct {
	URL   string `json:"url" binding:"required"`
	State string `json:"state" binding:"required"`
}

func (s *Server) handleMark(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var found bool
	switch req.State {
	case "working":
		found = s.registry.MarkWorking(req.URL)
	case "not_working":
		found = s.registry.MarkNotWorking(req.URL)
	case "blacklisted":
		found = s.registry.MarkBlacklisted(req.URL)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown state %q", req.State)})
		return
	}

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "No proxy with that URL"})
		return
	}
	s.refresh()
	c.JSON(http.StatusOK, gin.H{"url": req.URL, "state": req.State})
}

func (s *Server) handleFetch(c *gin.Context) {
	target := c.Query("url")
	if u, err := url.Parse(target); err != nil || u.Scheme == "" || u.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid url parameter"})
		return
	}

	var (
		body []byte
		err  error
	)
	if c.Query("random") == "1" {
		body, err = s.executor.GetRequestWithRandomProxy(c.Request.Context(), target)
	} else {
		body, err = s.executor.MakeRequest(c.Request.Context(), target)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if body == nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "Proxy request failed, retry"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", body)
}

func (s *Server) handleStat(c *gin.Context) {
	stats := snapshot.Capture(s.registry).Stats
	published := s.snapshot.Get()

	c.JSON(http.StatusOK, gin.H{
		"total":                   stats.Total,
		"working":                 stats.Working,
		"blacklisted":             stats.Blacklisted,
		"working_percent":         fmt.Sprintf("%.2f%%", stats.WorkingPercent),
		"current_index":           stats.CurrentIndex,
		"requests_since_rotation": stats.RequestsSinceRotation,
		"last_rotation":           stats.LastRotation.Format(time.RFC3339),
		"last_check":              stats.LastCheckTime.Format(time.RFC3339),
		"published":               published.Updated.Format(time.RFC3339),
	})
}

// handleReload ingests the configured sources and re-checks the pool in the
// background.
func (s *Server) handleReload(c *gin.Context) {
	log.Info("Manual reload triggered via API")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		if s.aggregator != nil {
			if _, err := s.aggregator.Ingest(ctx); err != nil {
				log.Errorf("Reload ingestion failed: %v", err)
			}
		}
		s.checker.TestAll(ctx)
		s.refresh()
		log.Info("Reload complete")
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Reload triggered",
	})
}
