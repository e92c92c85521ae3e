// Copyright 2024 The GateMQ Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package management

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gatemq/gatemq/internal/broker"
	"github.com/gatemq/gatemq/internal/build"
	"github.com/gatemq/gatemq/internal/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Configuration holds the management server configuration.
type Configuration struct {
	// TCP port where the management API listens.
	Port int

	// Indicate whether the management API is served over TLS.
	SSL bool

	// Path to the PEM file with the server certificate, used when SSL is
	// enabled.
	CertFile string

	// Path to the PEM file with the server private key, used when SSL is
	// enabled.
	KeyFile string

	// The amount of time, in seconds, the server waits for graceful
	// shutdown.
	ShutdownTimeout int
}

// ConnectionRegistry exposes the established connections to the management
// API.
type ConnectionRegistry interface {
	// Connections returns a snapshot of the established connections.
	Connections() []broker.ConnectionInfo

	// Disconnect force-closes the connection with the given identifier.
	Disconnect(id string) error
}

// MemoryStatus exposes the memory monitor state to the management API.
type MemoryStatus interface {
	// Used returns the bytes of memory in use at the last sample.
	Used() int64

	// Limit returns the configured memory limit in bytes.
	Limit() int64

	// Blocked indicates whether new connections are being refused.
	Blocked() bool
}

// Server represents the management HTTP server.
type Server struct {
	echo     *echo.Echo
	conf     Configuration
	log      logger.Logger
	registry ConnectionRegistry
	memory   MemoryStatus
	store    *RetentionStore
}

type overviewResponse struct {
	Version        string   `json:"version"`
	GoVersion      string   `json:"go_version"`
	Connections    int      `json:"connections"`
	MemoryUsed     int64    `json:"memory_used"`
	MemoryLimit    int64    `json:"memory_limit"`
	MemoryBlocked  bool     `json:"memory_blocked"`
	SamplePolicies []string `json:"sample_policies"`
}

// NewServer creates a management Server.
func NewServer(
	c Configuration,
	registry ConnectionRegistry,
	memory MemoryStatus,
	store *RetentionStore,
	log logger.Logger,
) (*Server, error) {
	if registry == nil {
		return nil, errors.New("management missing connection registry")
	}
	if store == nil {
		return nil, errors.New("management missing retention store")
	}
	if c.SSL && (c.CertFile == "" || c.KeyFile == "") {
		return nil, errors.New("management SSL requires certificate and key")
	}
	if c.ShutdownTimeout < 1 {
		c.ShutdownTimeout = 5
	}

	lg := logger.WithPrefix(log, "management")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = 5 * time.Second
	e.Server.WriteTimeout = 5 * time.Second
	e.Use(middleware.RequestID())
	e.Use(fromLogger(lg))

	s := &Server{
		echo:     e,
		conf:     c,
		log:      lg,
		registry: registry,
		memory:   memory,
		store:    store,
	}

	e.HTTPErrorHandler = s.handleError

	v1 := e.Group("/api/v1")
	v1.GET("/overview", s.getOverview)
	v1.GET("/connections", s.getConnections)
	v1.DELETE("/connections/:id", s.deleteConnection)
	v1.GET("/samples/:metric", s.getSamples)

	return s, nil
}

// Listen starts the execution of the management server.
// Once called, it blocks waiting for connections until it's stopped by the
// Stop function.
func (s *Server) Listen() error {
	address := fmt.Sprintf(":%v", s.conf.Port)

	if s.conf.SSL {
		s.log.Info().Msg("Management listening on " + address + " (TLS)")
		if err := s.echo.StartTLS(address, s.conf.CertFile, s.conf.KeyFile); err != http.ErrServerClosed {
			return err
		}
	} else {
		lsn, err := net.Listen("tcp", address)
		if err != nil {
			return err
		}

		s.log.Info().Msg("Management listening on " + lsn.Addr().String())
		s.echo.Listener = lsn

		if err = s.echo.Start(address); err != http.ErrServerClosed {
			return err
		}
	}

	s.log.Debug().Msg("Management server stopped with success")
	return nil
}

// Stop stops the management server.
// Once called, it unblocks the Listen function.
func (s *Server) Stop() {
	s.log.Debug().Msg("Stopping management server")

	t := time.Duration(s.conf.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), t)
	defer cancel()

	err := s.echo.Shutdown(ctx)
	if err != nil {
		_ = s.echo.Close()
	}
}

func (s *Server) getOverview(c echo.Context) error {
	info := build.GetInfo()
	resp := overviewResponse{
		Version:        info.Version,
		GoVersion:      info.GoVersion,
		Connections:    len(s.registry.Connections()),
		SamplePolicies: s.store.Policies(),
	}

	if s.memory != nil {
		resp.MemoryUsed = s.memory.Used()
		resp.MemoryLimit = s.memory.Limit()
		resp.MemoryBlocked = s.memory.Blocked()
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getConnections(c echo.Context) error {
	return c.JSON(http.StatusOK, s.registry.Connections())
}

func (s *Server) deleteConnection(c echo.Context) error {
	err := s.registry.Disconnect(c.Param("id"))
	if errors.Is(err, broker.ErrConnectionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getSamples(c echo.Context) error {
	policy := c.QueryParam("policy")
	if policy == "" {
		policy = "global"
	}

	interval := 0
	if param := c.QueryParam("interval"); param != "" {
		var err error
		if interval, err = strconv.Atoi(param); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid interval")
		}
	}

	samples, err := s.store.Series(policy, c.Param("metric"), interval)
	if errors.Is(err, ErrUnknownSeries) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, samples)
}

func (s *Server) handleError(err error, c echo.Context) {
	httpErr, ok := err.(*echo.HTTPError)
	if ok {
		s.log.Debug().
			Str("Path", c.Path()).
			Int("Status", httpErr.Code).
			Msg(fmt.Sprintf("Management request error: %s", httpErr.Message))
	} else {
		httpErr = echo.ErrInternalServerError
		s.log.Warn().Msg("Management request error: " + err.Error())
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(httpErr.Code)
	} else {
		err = c.JSON(httpErr.Code, httpErr)
	}
	if err != nil {
		s.log.Error().
			Str("Path", c.Path()).
			Int("Status", httpErr.Code).
			Msg("Management failed to send error response: " + err.Error())
	}
}
