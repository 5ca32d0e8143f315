// Package server orchestrates all components: COMMS transport, bridge, fixtures, traffic journal, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/webview-bridge/internal/config"
	"github.com/morezero/webview-bridge/pkg/bootstrap"
	"github.com/morezero/webview-bridge/pkg/bridge"
	"github.com/morezero/webview-bridge/pkg/commsutil"
	"github.com/morezero/webview-bridge/pkg/db"
	"github.com/morezero/webview-bridge/pkg/events"
	"github.com/morezero/webview-bridge/pkg/transport"
	"github.com/morezero/webview-bridge/pkg/wire"
)

const logPrefix = "server:server"

// bridgeForServer is the part of *bridge.Bridge the HTTP handlers use.
type bridgeForServer interface {
	Stats() bridge.Stats
	Call(ctx context.Context, name string, data wire.Value) (wire.Value, error)
}

// journalForServer is the part of *db.Journal the HTTP handlers use.
type journalForServer interface {
	ListRecent(ctx context.Context, params db.ListRecentParams) ([]db.JournalEntry, error)
	CountByKind(ctx context.Context, bridge string) (map[string]int64, error)
}

// Server is the webview-bridge orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	bridge     bridgeForServer
	journal    journalForServer
	transport  *transport.Comms

	// closeEvents flushes buffered traffic events; nil before the bridge exists.
	closeEvents func(ctx context.Context) error

	// Health probes; nil means the dependency is not configured.
	commsConnected func() bool
	pingDB         func(ctx context.Context) error
}

// HealthChecks reports the state of each dependency.
type HealthChecks struct {
	Comms    bool  `json:"comms"`
	Database *bool `json:"database,omitempty"`
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Checks    HealthChecks `json:"checks"`
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	// Setup structured logging
	var logLevel slog.Level
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	policy, _ := cfg.Policy()
	codec, _ := cfg.Codec()

	slog.Info(fmt.Sprintf("%s - Starting webview-bridge (channel=%s, wire=%s, policy=%s)", logPrefix, cfg.Channel, codec.Name(), policy))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}

	// Step 1: Load command fixtures
	fixtures, err := bootstrap.LoadFixtureConfig(cfg.FixturesFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load fixtures: %w", logPrefix, err)
	}

	// Step 2: Connect to COMMS. A reconnect may mean the peer reloaded, so the
	// handshake is repeated once the connection is back.
	var current atomic.Pointer[bridge.Bridge]
	nc, err := commsutil.Connect(cfg.COMMSURL, commsutil.ConnectOptions{
		Name: cfg.COMMSName,
		OnReconnect: func() {
			if b := current.Load(); b != nil && cfg.Handshake {
				b.Handshake(nil)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	s.nc = nc
	s.commsConnected = nc.IsConnected

	// Step 3: Optional traffic journal
	publishers := events.MultiPublisher{
		events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.EventsSubject}),
	}
	if cfg.JournalEnabled() {
		if err := db.EnsureDatabase(ctx, cfg.DatabaseURL); err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to ensure database: %w", logPrefix, err)
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			nc.Close()
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool
		s.pingDB = pool.Ping

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				pool.Close()
				nc.Close()
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}

		journal := db.NewJournal(pool)
		s.journal = journal
		publishers = append(publishers, journal)
		slog.Info(fmt.Sprintf("%s - Traffic journal enabled", logPrefix))
	}

	// Step 4: Create bridge and register fixture commands
	b := bridge.New(bridge.Options{
		Name:         cfg.Channel,
		Codec:        codec,
		Policy:       policy,
		WaitForReady: cfg.WaitForReady,
		OnReady: func() {
			slog.Info(fmt.Sprintf("%s - Peer on channel %s is ready", logPrefix, cfg.Channel))
		},
		OnFault: func(err error) {
			slog.Error(fmt.Sprintf("%s - Bridge fault on channel %s: %v", logPrefix, cfg.Channel, err))
		},
		Publisher: publishers,
	})
	s.bridge = b
	s.closeEvents = b.Close
	current.Store(b)

	names, err := bootstrap.Register(b, fixtures)
	if err != nil {
		s.closeResources()
		return fmt.Errorf("%s - failed to register fixtures: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Registered %d fixture commands: %s", logPrefix, len(names), strings.Join(names, ", ")))

	// Step 5: Attach COMMS transport
	subjects := commsutil.BuildSubjects(cfg.SubjectPrefix, cfg.Channel)
	t := transport.NewComms(nc, subjects, b)
	if err := t.Start(); err != nil {
		s.closeResources()
		return fmt.Errorf("%s - failed to start transport: %w", logPrefix, err)
	}
	s.transport = t

	if cfg.Handshake {
		b.Handshake(nil)
	}

	// Step 6: Start HTTP health server
	httpAddr := cfg.HTTPListenAddr()
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - webview-bridge is ready (inbound=%s, outbound=%s)", logPrefix, subjects.Inbound, subjects.Outbound))

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
	}
	s.closeResources()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// closeResources stops the transport, flushes buffered traffic events and
// releases the COMMS connection and DB pool.
func (s *Server) closeResources() {
	if s.transport != nil {
		if err := s.transport.Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		}
	}
	if s.closeEvents != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.closeEvents(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - %v", logPrefix, err))
		}
		cancel()
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth())
	mux.HandleFunc("/ready", s.handleReady())
	mux.HandleFunc("/stats", s.handleStats())
	mux.HandleFunc("/call/", s.handleCall())
	mux.HandleFunc("/journal", s.handleJournal())
	return mux
}

func (s *Server) health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	out.Checks.Comms = s.commsConnected != nil && s.commsConnected()
	if !out.Checks.Comms {
		out.Status = "unhealthy"
	}
	if s.pingDB != nil {
		ok := s.pingDB(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	return out
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		healthCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()
		h := s.health(healthCtx)
		status := http.StatusOK
		if h.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	}
}

// handleReady reports ready once a transport is attached and, when the
// handshake is enabled, the peer has completed it.
func (s *Server) handleReady() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.bridge.Stats()
		ready := st.Attached && (st.Ready || !s.cfg.Handshake)
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "waiting", "attached": st.Attached, "peerReady": st.Ready})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "attached": st.Attached, "peerReady": st.Ready})
	}
}

func (s *Server) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.bridge.Stats())
	}
}

// handleCall forwards POST /call/<command> to the peer. The request body is
// the JSON payload; the reply is bounded by BRIDGE_REQUEST_TIMEOUT.
func (s *Server) handleCall() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "use POST")
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/call/")
		if name == "" || strings.Contains(name, "/") {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "command name is required")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "failed to read body")
			return
		}
		data := wire.Null()
		if len(strings.TrimSpace(string(body))) > 0 {
			data, err = wire.ParseJSON(body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid JSON payload: %v", err))
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		result, err := s.bridge.Call(ctx, name, data)
		if err != nil {
			status, code := callErrorStatus(err)
			writeError(w, status, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
	}
}

func callErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, bridge.ErrRequestTimeout):
		return http.StatusGatewayTimeout, bridge.CodeRequestTimeout
	case errors.Is(err, bridge.ErrTransport):
		return http.StatusBadGateway, bridge.CodeTransportError
	case errors.Is(err, bridge.ErrRejected):
		return http.StatusUnprocessableEntity, bridge.CodeRejected
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (s *Server) handleJournal() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.journal == nil {
			writeError(w, http.StatusNotFound, "JOURNAL_DISABLED", "set DATABASE_URL to enable the traffic journal")
			return
		}
		params := db.ListRecentParams{
			Bridge: r.URL.Query().Get("bridge"),
			CallID: r.URL.Query().Get("call_id"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be a non-negative integer")
				return
			}
			params.Limit = limit
		}
		entries, err := s.journal.ListRecent(r.Context(), params)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - journal query failed: %v", logPrefix, err))
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "journal query failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

type homePageData struct {
	Health       *HealthOutput
	Stats        bridge.Stats
	Channel      string
	Counts       map[string]int64
	JournalError string
}

func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		healthCtx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homePageData{
			Health:  s.health(healthCtx),
			Stats:   s.bridge.Stats(),
			Channel: s.cfg.Channel,
		}
		if s.journal != nil {
			counts, err := s.journal.CountByKind(r.Context(), data.Stats.Name)
			if err != nil {
				data.JournalError = err.Error()
			} else {
				data.Counts = counts
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home page render: %v", logPrefix, err))
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - response encode: %v", logPrefix, err))
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"ok":    false,
		"error": map[string]string{"code": code, "message": message},
	})
}

// homePageTemplate is the HTML for the bridge status page.
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Webview Bridge</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 700px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    section { margin-bottom: 2rem; }
    .error { color: #cc0000; }
  </style>
</head>
<body>
  <h1>Webview Bridge</h1>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    <p>COMMS: {{if .Health.Checks.Comms}}<span class="stat">OK</span>{{else}}<span class="error">Disconnected</span>{{end}}</p>
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Channel {{.Channel}}</h2>
    <p>Transport: {{if .Stats.Attached}}<span class="stat">attached</span>{{else}}<span class="error">detached</span>{{end}}</p>
    <p>Peer: {{if .Stats.Ready}}<span class="stat">ready</span>{{else}}waiting for handshake{{end}}</p>
    <p>Pending calls: <span class="stat">{{.Stats.Pending}}</span>, queued: <span class="stat">{{.Stats.Queued}}</span></p>
  </section>

  <section>
    <h2>Commands</h2>
    {{if not .Stats.Commands}}
    <p>No commands registered.</p>
    {{else}}
    <table>
      <thead><tr><th>Command</th></tr></thead>
      <tbody>
        {{range .Stats.Commands}}<tr><td>{{.}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  {{if or .Counts .JournalError}}
  <section>
    <h2>Traffic</h2>
    {{if .JournalError}}
    <p class="error">Could not load journal: {{.JournalError}}</p>
    {{else}}
    <table>
      <thead><tr><th>Kind</th><th>Count</th></tr></thead>
      <tbody>
        {{range $kind, $n := .Counts}}<tr><td>{{$kind}}</td><td>{{$n}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
  {{end}}
</body>
</html>
`
