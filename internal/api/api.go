// Package api implements the read-only status/dashboard HTTP surface,
// active only under `run-pipeline --daemon` (listening on --status-addr,
// STATUS_ADDR or :8090). It never
// mutates job state — a pure reader over the derived job index and
// per-job manifests.
package api

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/jobindex"
	"github.com/raj-iup/cp-whisperx-app-sub002/internal/manifest"
)

// RequestIDHeader carries a caller-supplied or generated request id through
// the response, so a dashboard log line can be correlated back to a browser
// request.
const RequestIDHeader = "X-Request-ID"

// requestID assigns a request id if the caller didn't send one.
func requestID(c *gin.Context) {
	id := c.GetHeader(RequestIDHeader)
	if id == "" {
		id = uuid.New().String()
	}
	c.Writer.Header().Set(RequestIDHeader, id)
	c.Set("request_id", id)
	c.Next()
}

// Server wires the dashboard routes over the job index and job directory
// tree.
type Server struct {
	Index   *jobindex.Index
	OutRoot string
	engine  *gin.Engine
}

// New builds a Server. Callers run it with ListenAndServe via Engine().
func New(index *jobindex.Index, outRoot string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{Index: index, OutRoot: outRoot, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestID)
	s.routes()
	return s
}

// Engine returns the underlying gin engine for http.ListenAndServe.
func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	v1 := s.engine.Group("/api/v1")
	v1.GET("/jobs", s.handleListJobs)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.GET("/jobs/:id/stages/:name/log", s.handleStageLog)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListJobs(c *gin.Context) {
	user := c.Query("user")
	recs, err := s.Index.List(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": recs})
}

func (s *Server) handleGetJob(c *gin.Context) {
	jobID := c.Param("id")
	rec, ok := s.Index.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	m, err := manifest.Load(filepath.Join(rec.JobDir, "manifest.json"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleStageLog(c *gin.Context) {
	jobID := c.Param("id")
	stage := c.Param("name")
	rec, ok := s.Index.Get(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	matches, _ := filepath.Glob(filepath.Join(rec.JobDir, "logs", "*_"+stage+"_*.log"))
	if len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no log found for stage"})
		return
	}
	raw, err := os.ReadFile(matches[len(matches)-1])
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain", raw)
}
