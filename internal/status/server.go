// Package status serves the operator HTTP surface: Prometheus exposition,
// a live pipeline snapshot and short histories of emitted metrics and
// warning logs.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"rugfeed/internal/metrics"
	"rugfeed/logger"
)

const defaultPort = "9102"

// SnapshotFunc returns a JSON-encodable view of the running pipeline.
type SnapshotFunc func() any

type Server struct {
	addr      string
	collector *metrics.Collector
	snapshot  SnapshotFunc
	log       *logger.Log

	metrics   *metricHistory
	logs      *logHistory
	handlerID metrics.MetricHandlerID
}

// NewServer starts recording metric and log history immediately; call Run
// to listen or Close to detach without listening.
func NewServer(addr string, history int, collector *metrics.Collector, snapshot SnapshotFunc, log *logger.Log) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{
		addr:      normalizeAddress(addr),
		collector: collector,
		snapshot:  snapshot,
		log:       log,
		metrics:   newMetricHistory(history),
		logs:      newLogHistory(history),
	}
	s.handlerID = metrics.RegisterMetricHandler(s.metrics.handle)
	log.AddHook(s.logs)
	return s
}

func (s *Server) Address() string { return s.addr }

func (s *Server) Close() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.logs.close()
}

// Run listens until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.Close()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: s.addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("status").WithField("addr", s.addr).Info("status server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, fmt.Errorf("configure trusted proxies: %w", err)
	}

	if s.collector != nil {
		router.GET("/metrics", gin.WrapH(s.collector.Handler()))
	}

	router.GET("/status", func(c *gin.Context) {
		if s.snapshot == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no snapshot source"})
			return
		}
		c.JSON(http.StatusOK, s.snapshot())
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		items := s.metrics.snapshot()
		payload := make([]gin.H, 0, len(items))
		for _, m := range items {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logs.snapshot()})
	})

	return router, nil
}

// normalizeAddress accepts ":9102", "host", "host:port" or a URL and
// returns a listen address.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:" + defaultPort
	}
	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}
