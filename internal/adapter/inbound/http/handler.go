package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sentinel-Gate/devopsgate/internal/domain/gatewayerr"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/session"
	"github.com/Sentinel-Gate/devopsgate/internal/domain/tenant"
)

// Protocol endpoints.
const (
	PathStateless = "/rpc"
	PathStream    = "/rpc-stream"
	PathMessages  = "/rpc-stream/messages"
)

// SessionIDParam names the query parameter that routes follow-up messages.
const SessionIDParam = "sessionId"

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// ServerBuilder builds the protocol server for one tenant.
type ServerBuilder interface {
	Build(ctx context.Context, cfg tenant.Config, allow tenant.AllowList) (*mcp.Server, error)
}

// serverKey carries the tenant's server from the stateless handler into the
// SDK's getServer callback.
type serverKey struct{}

// Negotiator binds freshly built tenant servers to one of the two transports
// and tracks persistent sessions in the registry.
type Negotiator struct {
	builder   ServerBuilder
	sessions  session.Registry
	metrics   *Metrics
	logger    *slog.Logger
	stateless *mcp.StreamableHTTPHandler
}

// NewNegotiator creates a negotiator. behindProxy relaxes the SDK's
// loopback Host check, which would otherwise reject proxied requests.
func NewNegotiator(builder ServerBuilder, sessions session.Registry, metrics *Metrics, logger *slog.Logger, behindProxy bool) *Negotiator {
	if logger == nil {
		logger = slog.Default()
	}
	// Callers authenticate with headers, not cookies, so cross-origin POSTs
	// are served like any other.
	cop := http.NewCrossOriginProtection()
	cop.AddInsecureBypassPattern(PathStateless)

	n := &Negotiator{
		builder:  builder,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
	}
	n.stateless = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		server, _ := r.Context().Value(serverKey{}).(*mcp.Server)
		return server
	}, &mcp.StreamableHTTPOptions{
		Stateless:                  true,
		JSONResponse:               true,
		Logger:                     logger,
		DisableLocalhostProtection: behindProxy,
		CrossOriginProtection:      cop,
	})
	return n
}

// Register mounts the protocol endpoints on mux.
func (n *Negotiator) Register(mux *http.ServeMux) {
	mux.HandleFunc(PathStateless, n.handleStateless)
	mux.HandleFunc(PathStream, n.handleStream)
	mux.HandleFunc(PathMessages, n.handleMessage)
}

// handleStateless serves one request/response exchange on a server that
// lives only as long as the request.
func (n *Negotiator) handleStateless(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		n.reject(w, r, methodNotAllowed(w, http.MethodPost))
		return
	}
	cfg, allow, err := tenant.Extract(r.Header)
	if err != nil {
		n.reject(w, r, err)
		return
	}
	server, err := n.builder.Build(r.Context(), cfg, allow)
	if err != nil {
		n.reject(w, r, gatewayerr.Transport("failed to build protocol server", err))
		return
	}
	if n.metrics != nil {
		n.metrics.SessionsTotal.WithLabelValues("stateless").Inc()
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	ctx := context.WithValue(r.Context(), serverKey{}, server)
	n.stateless.ServeHTTP(w, r.WithContext(ctx))
}

// handleStream opens a persistent session. The session is registered before
// the endpoint event reaches the client, so the first follow-up POST always
// finds it.
func (n *Negotiator) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		n.reject(w, r, methodNotAllowed(w, http.MethodGet))
		return
	}
	cfg, allow, err := tenant.Extract(r.Header)
	if err != nil {
		n.reject(w, r, err)
		return
	}
	server, err := n.builder.Build(r.Context(), cfg, allow)
	if err != nil {
		n.reject(w, r, gatewayerr.Transport("failed to build protocol server", err))
		return
	}

	id := session.GenerateID()
	logger := LoggerFromContext(r.Context()).With("session_id", id, "org", cfg.OrgURL, "project", cfg.Project)
	transport := &mcp.SSEServerTransport{
		Endpoint: PathMessages + "?" + SessionIDParam + "=" + url.QueryEscape(id),
		Response: w,
	}
	sess := session.New(id, server, transport, nil)
	sess.Org = cfg.OrgURL
	sess.Project = cfg.Project

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	n.sessions.Put(id, sess)

	ctx := context.WithValue(r.Context(), LoggerKey, logger)
	conn, err := server.Connect(ctx, transport, nil)
	if err != nil {
		n.sessions.RemoveIf(id, sess)
		if cerr := sess.Cleanup(); cerr != nil {
			logger.Warn("session cleanup failed", "error", cerr)
		}
		logger.Error("session connect failed", "error", err)
		n.reject(w, r, gatewayerr.Transport("failed to connect protocol server", err))
		return
	}
	if !sess.Attach(conn) {
		// Torn down while connecting, e.g. by shutdown. Attach closed conn;
		// wait so nothing writes to w after return.
		n.sessions.RemoveIf(id, sess)
		_ = conn.Wait()
		return
	}

	if n.metrics != nil {
		n.metrics.SessionsTotal.WithLabelValues("sse").Inc()
		n.metrics.ActiveSessions.Inc()
		defer n.metrics.ActiveSessions.Dec()
	}
	logger.Info("session connected")

	ended := make(chan struct{})
	go func() {
		_ = conn.Wait()
		close(ended)
	}()

	reason := "client disconnected"
	select {
	case <-r.Context().Done():
	case <-ended:
		reason = "protocol session ended"
	case <-sess.Done():
		reason = "session closed by gateway"
	}

	if err := sess.Cleanup(); err != nil {
		logger.Warn("session cleanup failed", "error", err)
	}
	n.sessions.RemoveIf(id, sess)
	<-ended
	logger.Info("session closed", "reason", reason)
}

// handleMessage delivers one client message to its persistent session.
func (n *Negotiator) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		n.reject(w, r, methodNotAllowed(w, http.MethodPost))
		return
	}
	id := r.URL.Query().Get(SessionIDParam)
	if id == "" {
		n.reject(w, r, gatewayerr.MissingSessionID())
		return
	}
	sess, ok := n.sessions.Get(id)
	if !ok || sess.State() >= session.Closing {
		n.reject(w, r, gatewayerr.SessionNotFound(id))
		return
	}
	if err := sess.WaitReady(r.Context()); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			n.reject(w, r, gatewayerr.SessionNotFound(id))
			return
		}
		n.reject(w, r, gatewayerr.SessionNotReady(id, err))
		return
	}

	sess.Touch()
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	sess.Transport.ServeHTTP(w, r)
}

// reject writes the structured error body and counts the rejection.
func (n *Negotiator) reject(w http.ResponseWriter, r *http.Request, err error) {
	ge := gatewayerr.From(err)
	logger := LoggerFromContext(r.Context())
	if ge.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "path", r.URL.Path, "code", ge.Code, "error", err)
	} else {
		logger.Info("request rejected", "path", r.URL.Path, "code", ge.Code, "reason", ge.Message)
	}
	if n.metrics != nil {
		n.metrics.RejectedTotal.WithLabelValues(ge.Code).Inc()
	}
	gatewayerr.Write(w, ge)
}

func methodNotAllowed(w http.ResponseWriter, allowed string) error {
	w.Header().Set("Allow", allowed)
	return gatewayerr.New(gatewayerr.CategoryTransport, gatewayerr.CodeMethodNotAllowed,
		http.StatusMethodNotAllowed, "method not allowed")
}
