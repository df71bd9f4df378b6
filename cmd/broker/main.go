// Command broker is the process entry point: it wires the Registry,
// Fanout, and Attachment Coordinator to a thin HTTP/WebSocket transport
// layer and a cron-scheduled external-session reconciliation sweep.
//
// Grounded in the teacher's main.go flag parsing and HTTP bootstrap,
// stripped of the file-browser, file-upload, and scheduled-command
// routes that belong to a different feature set (see DESIGN.md) — this
// binary exists only to exercise the core packages end to end.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mobileforge/termbroker/internal/authstub"
	"github.com/mobileforge/termbroker/internal/coordinator"
	"github.com/mobileforge/termbroker/internal/muxadapter"
	"github.com/mobileforge/termbroker/internal/muxcore"
	"github.com/mobileforge/termbroker/internal/transport"
)

var Version string // set via ldflags during build

func main() {
	addr := flag.String("addr", ":7890", "HTTP listen address")
	credsPath := flag.String("creds", "", "path to bearer credentials file (empty disables auth)")
	preferMux := flag.Bool("tmux", true, "prefer the external tmux backend when available")
	scrollbackCap := flag.Int("scrollback", muxcore.DefaultScrollbackCap, "per-window scrollback capacity in bytes")
	queueCap := flag.Int("queue-cap", muxcore.DefaultQueueCap, "per-subscriber queue capacity in chunks")
	reconcileSchedule := flag.String("reconcile-schedule", "@every 5s", "cron schedule for external session reconciliation")
	flag.Parse()

	log.Printf("termbroker %s starting on %s", Version, *addr)

	var adapter *muxadapter.Adapter
	if *preferMux {
		adapter = muxadapter.New()
		if !adapter.Available() {
			log.Printf("tmux not found on PATH; new windows will use the direct PTY backend")
		}
	}

	coord := coordinator.New(coordinator.Config{
		ScrollbackCap:   *scrollbackCap,
		QueueCap:        *queueCap,
		ExternalAdapter: adapter,
	})

	if adapter != nil && adapter.Available() {
		stop, err := coord.StartReconcileLoop(*reconcileSchedule)
		if err != nil {
			log.Fatalf("invalid reconcile schedule %q: %v", *reconcileSchedule, err)
		}
		defer stop()
	}

	var checker *authstub.Checker
	if *credsPath != "" {
		c, err := authstub.Load(*credsPath)
		if err != nil {
			log.Fatalf("failed to load credentials: %v", err)
		}
		checker = c
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/windows", authMiddleware(checker, handleWindows(coord)))
	mux.HandleFunc("/api/windows/", authMiddleware(checker, handleWindowOp(coord)))
	mux.HandleFunc("/ws/attach", authMiddleware(checker, handleAttach(coord)))

	server := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	coord.Shutdown()
	_ = server.Close()
}

func authMiddleware(checker *authstub.Checker, next http.HandlerFunc) http.HandlerFunc {
	if checker == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if len(token) > 7 && token[:7] == "Bearer " {
			token = token[7:]
		}
		if !checker.Check(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type createRequest struct {
	ProjectPath       string            `json:"projectPath"`
	Cwd               string            `json:"cwd"`
	Cmd               []string          `json:"cmd"`
	Env               map[string]string `json:"env"`
	Cols              int               `json:"cols"`
	Rows              int               `json:"rows"`
	PreferMultiplexed bool              `json:"preferMultiplexed"`
	Label             string            `json:"label,omitempty"`
}

func handleWindows(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, coord.List(muxcore.Filter{}))
		case http.MethodPost:
			var req createRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			id, err := coord.Create(muxcore.WindowSpec{
				ProjectPath:       req.ProjectPath,
				Cwd:               req.Cwd,
				Cmd:               req.Cmd,
				Env:               req.Env,
				Cols:              req.Cols,
				Rows:              req.Rows,
				PreferMultiplexed: req.PreferMultiplexed,
				Label:             req.Label,
			})
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, map[string]string{"id": id})
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func handleWindowOp(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/api/windows/"):]
		if id == "" {
			http.Error(w, "missing window id", http.StatusBadRequest)
			return
		}
		if r.Method != http.MethodDelete {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := coord.Kill(id); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAttach(coord *coordinator.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		winID := r.URL.Query().Get("id")
		cols, _ := strconv.Atoi(r.URL.Query().Get("cols"))
		rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
		if cols == 0 {
			cols = 80
		}
		if rows == 0 {
			rows = 24
		}

		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket upgrade failed: %v", err)
			return
		}

		sink := transport.NewWSSink(conn)
		subID, err := coord.Attach(winID, sink.Deliver, cols, rows)
		if err != nil {
			sink.Close()
			log.Printf("attach %s failed: %v", winID, err)
			return
		}

		transport.ReadInput(conn, coord, winID)

		_ = coord.Detach(subID)
		sink.Close()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, muxcore.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, muxcore.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, muxcore.ErrTerminal):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, muxcore.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
