// Package api serves a small read-only operator API next to the emulated
// devices.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"wemoemu/internal/supervisor"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// Inventory is the view of the running emulator the API reports on.
type Inventory interface {
	Devices() []supervisor.DeviceStatus
	Failures() []supervisor.Failure
}

// Server provides HTTP API endpoints for operators
type Server struct {
	inventory Inventory
	logger    *zap.Logger
	echo      *echo.Echo
	addr      string
	listener  net.Listener
}

// NewServer creates a new API server bound to host:port on Start.
func NewServer(inventory Inventory, logger *zap.Logger, host string, port int) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		inventory: inventory,
		logger:    logger.Named("api"),
		addr:      net.JoinHostPort(host, fmt.Sprint(port)),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 10 * time.Second
	e.Server.IdleTimeout = 60 * time.Second
	e.Use(middleware.Recover())

	e.GET("/", s.handleSitemap)
	e.GET("/api/devices", s.handleDevices)
	e.GET("/health", s.handleHealth)

	s.echo = e
	return s
}

// FailureResponse is a device that could not be started.
type FailureResponse struct {
	Name   string `json:"name"`
	Port   int    `json:"port"`
	Driver string `json:"driver"`
	Error  string `json:"error"`
}

// DevicesResponse represents the JSON response for the devices endpoint
type DevicesResponse struct {
	Devices  []supervisor.DeviceStatus `json:"devices"`
	Failures []FailureResponse         `json:"failures"`
}

// handleDevices lists running devices and startup failures. Drivers are
// never called.
func (s *Server) handleDevices(c echo.Context) error {
	response := DevicesResponse{
		Devices:  s.inventory.Devices(),
		Failures: make([]FailureResponse, 0),
	}
	if response.Devices == nil {
		response.Devices = make([]supervisor.DeviceStatus, 0)
	}
	for _, f := range s.inventory.Failures() {
		response.Failures = append(response.Failures, FailureResponse{
			Name:   f.Name,
			Port:   f.Port,
			Driver: f.Driver,
			Error:  f.Err.Error(),
		})
	}

	s.logger.Debug("Devices request served", zap.String("remote_ip", c.RealIP()))
	return c.JSON(http.StatusOK, response)
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap - lists all available API endpoints"},
	{Path: "/api/devices", Method: "GET", Description: "Running devices and devices that failed to start"},
	{Path: "/health", Method: "GET", Description: `Health check endpoint - returns {"status": "ok"}`},
}

// handleSitemap lists the endpoints as HTML for browsers and plain text
// otherwise.
func (s *Server) handleSitemap(c echo.Context) error {
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), echo.MIMETextHTML) {
		var b strings.Builder
		b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Wemo Emulator API</title></head>\n<body>\n")
		b.WriteString("<h1>Wemo Emulator API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(&b, "  <li><code>%s <a href=\"%s\">%s</a></code> %s</li>\n", ep.Method, ep.Path, ep.Path, ep.Description)
		}
		b.WriteString("</ul>\n</body>\n</html>\n")
		return c.HTML(http.StatusOK, b.String())
	}

	var b strings.Builder
	b.WriteString("Wemo Emulator API\n")
	b.WriteString("=================\n\n")
	b.WriteString("Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(&b, "  %-10s %-20s %s\n", ep.Method, ep.Path, ep.Description)
	}
	return c.String(http.StatusOK, b.String())
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listener and begins serving HTTP requests in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.echo.Listener = ln
	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP API server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
