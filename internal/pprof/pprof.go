// Package pprof serves runtime profiles and client statistics of a running
// session, and optionally writes CPU and heap profiles to files.
package pprof

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/codefionn/collabsync/internal/logger"
)

// Config holds the profiling configuration
type Config struct {
	// HTTPAddr enables the debug server, e.g. "localhost:6060".
	HTTPAddr string

	CPUProfile  string // written from Start until Stop
	HeapProfile string // written at Stop

	// Stats is served as JSON under /debug/stats when set.
	Stats func() interface{}
}

// Handler manages profiling
type Handler struct {
	config   Config
	log      *logger.Logger
	server   *http.Server
	listener net.Listener
	cpuFile  *os.File

	mu       sync.Mutex
	stopping bool
}

// NewHandler creates a handler for config.
func NewHandler(config Config) *Handler {
	return &Handler{config: config, log: logger.Global().WithPrefix("pprof")}
}

// Router returns the debug routes.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", netpprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", netpprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(netpprof.Index)
	r.HandleFunc("/debug/stats", h.serveStats).Methods(http.MethodGet)
	return r
}

func (h *Handler) serveStats(w http.ResponseWriter, r *http.Request) {
	if h.config.Stats == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.config.Stats()); err != nil {
		h.log.Warn("encoding stats: %v", err)
	}
}

// Start begins profiling based on the configuration
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.config.CPUProfile != "" {
		f, err := createFile(h.config.CPUProfile)
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profiling: %w", err)
		}
		h.cpuFile = f
	}

	if h.config.HTTPAddr != "" {
		ln, err := net.Listen("tcp", h.config.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to bind debug server: %w", err)
		}
		h.listener = ln
		h.server = &http.Server{Handler: h.Router(), ReadHeaderTimeout: 5 * time.Second}

		go func() {
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.Error("debug server: %v", err)
			}
		}()
		h.log.Info("debug server listening on %s", ln.Addr())
	}
	return nil
}

// Addr returns the address the debug server listens on, if any.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop stops profiling and writes profile files
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error
	if h.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := h.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		h.cpuFile = nil
	}

	if h.config.HeapProfile != "" {
		if err := writeHeap(h.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown debug server: %w", err))
		}
		h.server = nil
		h.listener = nil
	}
	return errors.Join(errs...)
}

func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func writeHeap(path string) error {
	f, err := createFile(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}
