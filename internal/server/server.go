// Package server is the dev server: a static file server for the project
// root that injects the live-reload client into HTML, a control server for
// the live-reload channel, and the watch rules that keep outputs fresh.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pipeerrors "github.com/conneroisu/assetpipe/internal/errors"
	"github.com/conneroisu/assetpipe/internal/livereload"
	"github.com/conneroisu/assetpipe/internal/logging"
	"github.com/conneroisu/assetpipe/internal/version"
	"github.com/conneroisu/assetpipe/internal/watcher"
)

// State is the lifecycle position of a DevServer.
type State int32

const (
	StateIdle State = iota
	StateServing
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateServing:
		return "serving"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const shutdownTimeout = 5 * time.Second

// Options configures the listeners.
type Options struct {
	Host string
	// Port and ReloadPort may be 0 in tests to pick free ports.
	Port       int
	ReloadPort int
	BaseDir    string
	Open       bool
}

// DevServer serves the project with live reload while watching sources.
type DevServer struct {
	opts    Options
	hub     *livereload.Hub
	watcher *watcher.FileWatcher
	rules   []watcher.Rule
	logger  logging.Logger
	started time.Time

	state atomic.Int32
	ready chan struct{}

	mu         sync.Mutex
	httpAddr   string
	reloadAddr string
}

// New creates an idle server. The hub and watcher are owned by the server
// from here on and shut down with it.
func New(opts Options, hub *livereload.Hub, fw *watcher.FileWatcher, rules []watcher.Rule, logger logging.Logger) *DevServer {
	return &DevServer{
		opts:    opts,
		hub:     hub,
		watcher: fw,
		rules:   rules,
		logger:  logger.WithComponent("server"),
		ready:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *DevServer) State() State { return State(s.state.Load()) }

// Ready is closed once both listeners are bound and watch rules are active.
func (s *DevServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound HTTP address once Ready.
func (s *DevServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// ReloadAddr returns the bound control address once Ready.
func (s *DevServer) ReloadAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadAddr
}

// Start binds both listeners, activates the watch rules and serves until ctx
// is cancelled, then shuts everything down. A bind failure is returned
// before anything is served.
func (s *DevServer) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateServing)) {
		return pipeerrors.NewInternalError("NOT_IDLE", fmt.Sprintf("dev server is %s", s.State()), nil)
	}

	httpLn, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
	if err != nil {
		s.state.Store(int32(StateIdle))
		return pipeerrors.NewNetworkError("BIND", fmt.Sprintf("binding http port %d", s.opts.Port), err)
	}
	reloadLn, err := net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.ReloadPort)))
	if err != nil {
		_ = httpLn.Close()
		s.state.Store(int32(StateIdle))
		return pipeerrors.NewNetworkError("BIND", fmt.Sprintf("binding reload port %d", s.opts.ReloadPort), err)
	}

	s.mu.Lock()
	s.httpAddr = httpLn.Addr().String()
	s.reloadAddr = reloadLn.Addr().String()
	s.started = time.Now()
	s.mu.Unlock()

	_, reloadPort, _ := net.SplitHostPort(s.reloadAddr)
	httpServer := &http.Server{
		Handler:           s.withDevHeaders(s.staticHandler(reloadPort)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	control := http.NewServeMux()
	s.hub.Routes(control)
	control.HandleFunc("/health", s.handleHealth)
	controlServer := &http.Server{Handler: control, ReadHeaderTimeout: 10 * time.Second}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	serveErr := make(chan error, 2)
	go func() { serveErr <- serve(httpServer, httpLn) }()
	go func() { serveErr <- serve(controlServer, reloadLn) }()

	subs, err := s.startWatching(ctx)
	if err != nil {
		s.shutdown(httpServer, controlServer, subs)
		return err
	}

	url := "http://" + s.httpAddr
	s.logger.Info(ctx, "serving", "url", url, "reload", s.reloadAddr, "base", s.opts.BaseDir)
	if s.opts.Open {
		go openBrowser(ctx, url, s.logger)
	}
	close(s.ready)

	var result error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			result = pipeerrors.NewNetworkError("SERVE", "dev server stopped", err)
		}
	}
	s.shutdown(httpServer, controlServer, subs)
	return result
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *DevServer) startWatching(ctx context.Context) ([]*watcher.Subscription, error) {
	if s.watcher == nil {
		return nil, nil
	}
	subs := make([]*watcher.Subscription, 0, len(s.rules))
	for _, rule := range s.rules {
		sub, err := s.watcher.Subscribe(rule)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	if err := s.watcher.AddRecursive(s.watcher.Root()); err != nil {
		return subs, err
	}
	return subs, s.watcher.Start(ctx)
}

func (s *DevServer) shutdown(httpServer, controlServer *http.Server, subs []*watcher.Subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn(ctx, err, "stopping watcher")
		}
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, err, "stopping live reload")
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, err, "stopping http server")
	}
	if err := controlServer.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, err, "stopping control server")
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info(ctx, "dev server stopped")
}

// handleHealth returns the server health status for health checks
func (s *DevServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.Lock()
	uptime := time.Since(s.started).Round(time.Second)
	s.mu.Unlock()

	health := map[string]interface{}{
		"status":    "healthy",
		"state":     s.State().String(),
		"timestamp": time.Now().UTC(),
		"version":   version.GetShortVersion(),
		"uptime":    uptime.String(),
		"clients":   s.hub.ClientCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		s.logger.Warn(r.Context(), err, "encoding health response")
	}
}
