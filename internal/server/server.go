package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tunnelprobe/internal/logstream"
	"tunnelprobe/internal/probe"
)

const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 10 * time.Minute
	logBuffer          = 64
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = pongWait * 9 / 10
)

// Server exposes probe results over HTTP.
type Server struct {
	listen string
	group  *probe.Group
	bus    *logstream.Bus
	router *gin.Engine

	upgrader websocket.Upgrader
}

// TargetStatus is the JSON view of one probe target.
type TargetStatus struct {
	Name       string   `json:"name"`
	State      string   `json:"state"`
	URL        string   `json:"url,omitempty"`
	Candidates []string `json:"candidates,omitempty"`
}

// New builds a server for group. bus may be nil, in which case the log
// stream endpoint answers 404.
func New(listen string, group *probe.Group, bus *logstream.Bus) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		listen: listen,
		group:  group,
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("status api listening on %s", ln.Addr())
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Printf("sd_notify ready failed: %v", err)
	} else if sent {
		log.Printf("notified systemd ready")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.GET("/targets", s.handleTargets)
	v1.GET("/targets/:name", s.handleTarget)
	v1.GET("/targets/:name/wait", s.handleWait)
	v1.GET("/logs", s.handleLogs)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	s.router = r
}

func (s *Server) handleTargets(c *gin.Context) {
	names := s.group.Names()
	out := make([]TargetStatus, 0, len(names))
	for _, name := range names {
		res, err := s.group.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, status(name, res))
	}
	c.JSON(http.StatusOK, gin.H{"targets": out})
}

func (s *Server) handleTarget(c *gin.Context) {
	name := c.Param("name")
	res, err := s.group.Lookup(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status(name, res))
}

func (s *Server) handleWait(c *gin.Context) {
	name := c.Param("name")
	res, err := s.group.Lookup(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	timeout := defaultWaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = min(d, maxWaitTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if _, ok := res.Wait(ctx); !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, status(name, res))
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "log stream disabled"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("logs websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	lines, unsubscribe := s.bus.Subscribe(logBuffer)
	defer unsubscribe()

	// Reads only serve to notice the client going away and to handle pongs.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(line); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

func status(name string, res *probe.Result) TargetStatus {
	d := res.Discovery(name)
	return TargetStatus{
		Name:       name,
		State:      res.State().String(),
		URL:        d.URL,
		Candidates: d.Candidates,
	}
}
