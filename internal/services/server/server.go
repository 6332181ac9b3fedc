// Package server exposes reply parsing and card control over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultListenAddress binds an ephemeral loopback port.
	DefaultListenAddress = "127.0.0.1:0"

	defaultShutdownTimeout   = 5 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultMaxBodyBytes      = 1 << 20

	commandNameWildcard  = "name"
	capabilitiesPattern  = "GET /capabilities"
	healthPattern        = "GET /{$}"
	commandPattern       = "POST /commands/{" + commandNameWildcard + "}"
	contentTypeHeader    = "Content-Type"
	jsonContentType      = "application/json"
	unknownCommandFormat = "unknown command %q"
)

// Capability describes a command exposed by the server.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CommandRequest carries the undecoded request body of a command.
type CommandRequest struct {
	Payload json.RawMessage
}

// CommandExecutor runs one named command. The returned value becomes the JSON response.
type CommandExecutor interface {
	Execute(ctx context.Context, request CommandRequest) (any, error)
}

// CommandExecutorFunc adapts a function into a CommandExecutor.
type CommandExecutorFunc func(context.Context, CommandRequest) (any, error)

// Execute invokes the underlying function.
func (executor CommandExecutorFunc) Execute(ctx context.Context, request CommandRequest) (any, error) {
	return executor(ctx, request)
}

// CommandExecutionError pairs a command failure with the HTTP status reported to clients.
type CommandExecutionError struct {
	statusCode int
	err        error
}

func (executionError CommandExecutionError) Error() string {
	return executionError.err.Error()
}

func (executionError CommandExecutionError) Unwrap() error {
	return executionError.err
}

// StatusCode reports the HTTP status for the failure.
func (executionError CommandExecutionError) StatusCode() int {
	return executionError.statusCode
}

// NewCommandExecutionError wraps err with statusCode. A nil err stays nil.
func NewCommandExecutionError(statusCode int, err error) error {
	if err == nil {
		return nil
	}
	return CommandExecutionError{statusCode: statusCode, err: err}
}

// Config defines runtime options for the server.
type Config struct {
	Address         string
	Capabilities    []Capability
	Executors       map[string]CommandExecutor
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

// Server routes capability lookups and command executions.
type Server struct {
	address         string
	capabilities    []Capability
	executors       map[string]CommandExecutor
	shutdownTimeout time.Duration
	maxBodyBytes    int64
	logger          *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type capabilitiesResponse struct {
	Capabilities []Capability `json:"capabilities"`
}

// NewServer applies defaults to config.
func NewServer(config Config) Server {
	server := Server{
		address:         config.Address,
		capabilities:    config.Capabilities,
		executors:       config.Executors,
		shutdownTimeout: config.ShutdownTimeout,
		maxBodyBytes:    config.MaxBodyBytes,
		logger:          config.Logger,
	}
	if server.address == "" {
		server.address = DefaultListenAddress
	}
	if server.shutdownTimeout <= 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	if server.maxBodyBytes <= 0 {
		server.maxBodyBytes = defaultMaxBodyBytes
	}
	if server.capabilities == nil {
		server.capabilities = []Capability{}
	}
	if server.executors == nil {
		server.executors = map[string]CommandExecutor{}
	}
	if server.logger == nil {
		server.logger = zap.NewNop()
	}
	return server
}

// Handler returns the routes without binding a listener. Requests with the wrong method
// are answered with 405 by the mux.
func (server Server) Handler() http.Handler {
	router := http.NewServeMux()
	router.HandleFunc(capabilitiesPattern, server.handleCapabilities)
	router.HandleFunc(healthPattern, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	})
	router.HandleFunc(commandPattern, server.handleCommand)
	return server.logRequests(router)
}

// Run serves until ctx is canceled, then shuts down gracefully. notify receives the bound
// address once the listener accepts connections.
func (server Server) Run(ctx context.Context, notify func(string)) error {
	listener, err := net.Listen("tcp", server.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", server.address, err)
	}
	boundAddress := listener.Addr().String()
	httpServer := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: defaultReadHeaderTimeout}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if serveErr := httpServer.Serve(listener); !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("shutdown HTTP: %w", shutdownErr)
		}
		return nil
	})

	server.logger.Info("server listening", zap.String("address", boundAddress))
	if notify != nil {
		notify(boundAddress)
	}
	return group.Wait()
}

func (server Server) handleCapabilities(writer http.ResponseWriter, _ *http.Request) {
	server.writeJSON(writer, http.StatusOK, capabilitiesResponse{Capabilities: server.capabilities})
}

func (server Server) handleCommand(writer http.ResponseWriter, request *http.Request) {
	name := request.PathValue(commandNameWildcard)
	executor, found := server.executors[name]
	if !found {
		server.writeJSON(writer, http.StatusNotFound, errorResponse{Error: fmt.Sprintf(unknownCommandFormat, name)})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, server.maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		server.writeJSON(writer, status, errorResponse{Error: fmt.Sprintf("read request body: %v", err)})
		return
	}

	result, err := executor.Execute(request.Context(), CommandRequest{Payload: body})
	if err != nil {
		status := http.StatusInternalServerError
		var executionError CommandExecutionError
		if errors.As(err, &executionError) {
			status = executionError.StatusCode()
		}
		server.logger.Warn("command failed",
			zap.String("command", name),
			zap.Int("status", status),
			zap.Error(err))
		server.writeJSON(writer, status, errorResponse{Error: err.Error()})
		return
	}
	server.writeJSON(writer, http.StatusOK, result)
}

func (server Server) writeJSON(writer http.ResponseWriter, statusCode int, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		statusCode = http.StatusInternalServerError
		encoded, _ = json.Marshal(errorResponse{Error: fmt.Sprintf("encode response: %v", err)})
	}
	writer.Header().Set(contentTypeHeader, jsonContentType)
	writer.WriteHeader(statusCode)
	_, _ = writer.Write(append(encoded, '\n'))
}

// statusRecorder remembers the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

func (server Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
		next.ServeHTTP(recorder, request)
		server.logger.Debug("request served",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", recorder.status),
			zap.Duration("elapsed", time.Since(started)))
	})
}
