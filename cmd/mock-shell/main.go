// Package main implements a mock chat-shell executor for local development.
// It speaks the dispatcher's SSE protocol on POST /v1/responses and honors
// POST /v1/cancel, generating scripted streams selected by the prompt.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weibocom/agentflow/internal/common/logger"
	"github.com/weibocom/agentflow/internal/event"
)

func main() {
	port := flag.Int("port", 8100, "listen port")
	delay := flag.Duration("delay", 30*time.Millisecond, "delay between chunks")
	flag.Parse()

	log := logger.Default()
	srv := newServer(*delay)

	gin.SetMode(gin.ReleaseMode)
	engine := srv.routes()

	addr := fmt.Sprintf(":%d", *port)
	log.Sugar().Infof("mock-shell listening on %s", addr)
	if err := engine.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "mock-shell: %v\n", err)
		os.Exit(1)
	}
}

// server tracks in-flight streams so /v1/cancel can abort them.
type server struct {
	delay time.Duration

	mu      sync.Mutex
	streams map[string]context.CancelFunc
}

func newServer(delay time.Duration) *server {
	return &server{
		delay:   delay,
		streams: make(map[string]context.CancelFunc),
	}
}

func (s *server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/v1/responses", s.handleResponses)
	engine.POST("/v1/cancel", s.handleCancel)
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "mock-shell"})
	})
	return engine
}

func (s *server) handleResponses(c *gin.Context) {
	var req event.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SubtaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subtask_id is required"})
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	s.track(req.SubtaskID, cancel)
	defer s.untrack(req.SubtaskID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	w := &sseWriter{ctx: ctx, w: c.Writer, delay: s.delay}
	scriptFor(req.Prompt).play(w, req.Ref())
}

type cancelRequest struct {
	TaskID    string `json:"task_id"`
	SubtaskID string `json:"subtask_id"`
}

func (s *server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SubtaskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subtask_id is required"})
		return
	}
	s.mu.Lock()
	cancel, ok := s.streams[req.SubtaskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": ok})
}

func (s *server) track(subtaskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.streams[subtaskID] = cancel
	s.mu.Unlock()
}

func (s *server) untrack(subtaskID string) {
	s.mu.Lock()
	delete(s.streams, subtaskID)
	s.mu.Unlock()
}

// sseWriter streams events as data frames with a per-frame pacing delay.
// send reports false once the client is gone or the stream is cancelled.
type sseWriter struct {
	ctx   context.Context
	w     gin.ResponseWriter
	delay time.Duration
}

func (sw *sseWriter) send(ev *event.Event) bool {
	select {
	case <-sw.ctx.Done():
		return false
	case <-time.After(sw.delay):
	}
	return sw.sendNow(ev)
}

// sendNow writes without pacing or cancellation checks. Terminal events on
// the cancel path use it: the flag fires through ctx while the connection
// is still up.
func (sw *sseWriter) sendNow(ev *event.Event) bool {
	frame, err := ev.EncodeSSE()
	if err != nil {
		return false
	}
	if _, err := sw.w.Write(frame); err != nil {
		return false
	}
	sw.w.Flush()
	return true
}

func (sw *sseWriter) cancelled() bool {
	return sw.ctx.Err() != nil
}
