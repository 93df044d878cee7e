package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"github.com/roach88/labrun/internal/mirror"
	"github.com/roach88/labrun/internal/prolific"
)

// TokenHeader carries the researcher's API token on proxied requests.
const TokenHeader = "X-Prolific-Token"

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 5 * time.Second

// Config wires a Server.
type Config struct {
	// Files backs /api/data.
	Files *mirror.FileStore

	// Prolific is the upstream for /api/prolific. Only its base URL and
	// HTTP client are used; the token comes from each request.
	Prolific *prolific.Client

	// TokenPath is where /api/token persists the researcher's token.
	// Empty disables the endpoint.
	TokenPath string

	// Fs holds the token file. Defaults to the OS filesystem.
	Fs afero.Fs
}

// Server is the local researcher API.
type Server struct {
	cfg    Config
	engine *gin.Engine
}

// New builds the router.
func New(cfg Config) *Server {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	s := &Server{cfg: cfg, engine: gin.New()}
	s.engine.Use(gin.Recovery(), observe)
	s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api")
	if s.cfg.Files != nil {
		api.GET("/data/*path", s.getData)
		api.PUT("/data/*path", s.putData)
		api.POST("/data/*path", s.putData)
	}
	if s.cfg.TokenPath != "" {
		api.GET("/token", s.getToken)
		api.POST("/token", s.putToken)
	}
	if s.cfg.Prolific != nil {
		api.Any("/prolific/*slug", s.proxy)
	}
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func (s *Server) getData(c *gin.Context) {
	rel := c.Param("path")
	var def *string
	if v, ok := c.GetQuery("default"); ok {
		def = &v
	}
	slog.Debug("data read", "path", rel)
	doc, err := s.cfg.Files.Get(rel, def)
	if err != nil {
		abortData(c, err)
		return
	}
	if text, ok := doc.(string); ok && !strings.HasSuffix(rel, ".json") {
		c.String(http.StatusOK, text)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) putData(c *gin.Context) {
	rel := c.Param("path")
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	content, err := bodyContent(c.ContentType(), raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slog.Debug("data write", "path", rel, "bytes", len(raw))
	if err := s.cfg.Files.Put(rel, content); err != nil {
		abortData(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// bodyContent decodes JSON bodies so Put can re-encode them for the target
// extension. Other bodies are stored as text.
func bodyContent(contentType string, raw []byte) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if contentType != "application/json" {
		return string(raw), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}

func abortData(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mirror.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mirror.ErrOutsideRoot), errors.Is(err, mirror.ErrBadContent):
		status = http.StatusBadRequest
	case c.Param("path") == "" || c.Param("path") == "/":
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("data request failed", "path", c.Param("path"), "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) getToken(c *gin.Context) {
	raw, err := afero.ReadFile(s.cfg.Fs, s.cfg.TokenPath)
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusOK, gin.H{"token": ""})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to read token file: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": strings.TrimSpace(string(raw))})
}

func (s *Server) putToken(c *gin.Context) {
	var body struct {
		Token *string `json:"token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "token must be a string"})
		return
	}
	if err := afero.WriteFile(s.cfg.Fs, s.cfg.TokenPath, []byte(strings.TrimSpace(*body.Token)), 0o600); err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to write token file: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// proxy forwards /api/prolific/{slug} to the platform with the caller's
// token, relaying status and body unchanged.
func (s *Server) proxy(c *gin.Context) {
	token := c.GetHeader(TokenHeader)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "No Prolific token provided"})
		return
	}

	var body io.Reader
	switch c.Request.Method {
	case http.MethodPost, http.MethodPatch, http.MethodPut:
		body = c.Request.Body
	}
	resp, err := s.cfg.Prolific.Forward(c.Request.Context(), c.Request.Method, c.Param("slug"), c.Request.URL.RawQuery, token, body)
	if err != nil {
		slog.Warn("prolific proxy failed", "slug", c.Param("slug"), "error", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "Prolific API request failed: " + err.Error()})
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}
