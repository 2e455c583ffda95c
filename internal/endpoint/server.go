// Package endpoint serves the UPnP/SOAP surface of one virtual device: its
// description documents and the basicevent control action.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"wemoemu/internal/device"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const contentTypeXML = `text/xml; charset="utf-8"`

// Server is the per-device HTTP listener.
type Server struct {
	dev      *device.Device
	logger   *zap.Logger
	echo     *echo.Echo
	setupXML []byte
}

// New builds the endpoint for dev. Nothing is bound until Serve.
func New(dev *device.Device, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	setup, err := renderSetup(dev.Identity())
	if err != nil {
		return nil, fmt.Errorf("render setup.xml for %s: %w", dev.Name(), err)
	}

	s := &Server{
		dev:      dev,
		logger:   logger.Named("endpoint").With(zap.String("device", dev.Name()), zap.Int("port", dev.Port())),
		setupXML: setup,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 60 * time.Second

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.logger.Error("Handler panicked",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err),
				zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request served",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.String("remote_ip", v.RemoteIP),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))
	e.Use(middleware.BodyLimit("64K"))

	e.GET(setupPath, s.handleSetup)
	e.GET(eventServicePath, s.staticXML(eventServiceXML))
	e.GET(metaInfoPath, s.staticXML(metaInfoServiceXML))
	e.POST(controlPath, s.handleControl)

	s.echo = e
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Serve accepts connections on ln until Shutdown or Close. It returns nil
// after a requested stop.
func (s *Server) Serve(ln net.Listener) error {
	s.echo.Listener = ln
	s.logger.Info("Endpoint listening", zap.String("addr", ln.Addr().String()))
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Close drops every connection immediately.
func (s *Server) Close() error {
	return s.echo.Close()
}

func (s *Server) handleSetup(c echo.Context) error {
	return c.Blob(http.StatusOK, contentTypeXML, s.setupXML)
}

func (s *Server) staticXML(doc string) echo.HandlerFunc {
	body := []byte(doc)
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, contentTypeXML, body)
	}
}

func (s *Server) handleControl(c echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports oversize bodies through the read error
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		s.logger.Warn("Failed to read control request", zap.Error(err))
		return c.Blob(http.StatusBadRequest, contentTypeXML, renderFault(upnpInvalidArgs, "Unreadable request"))
	}

	action, err := ParseCommand(req.Header.Get("SOAPACTION"), body)
	if err != nil {
		s.logger.Warn("Rejected control request",
			zap.String("remote_ip", c.RealIP()),
			zap.Error(err))
		if errors.Is(err, ErrMalformedRequest) {
			return c.Blob(http.StatusBadRequest, contentTypeXML, renderFault(upnpInvalidArgs, "Invalid Args"))
		}
		return c.Blob(http.StatusBadRequest, contentTypeXML, renderFault(upnpInvalidAction, "Invalid Action"))
	}

	res := s.dev.Handle(req.Context(), action)

	out, err := renderResponse(res)
	if err != nil {
		return fmt.Errorf("render response: %w", err)
	}
	return c.Blob(http.StatusOK, contentTypeXML, out)
}
