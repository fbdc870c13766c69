// Package transport wires HTTP routing and the WebSocket upgrade to the
// broker/session layers, following the single-mux handleWebSocket
// pattern of the server this is built in the style of.
package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/abuse"
	"github.com/mozilla-services/channelserver/internal/broker"
	"github.com/mozilla-services/channelserver/internal/channelid"
	"github.com/mozilla-services/channelserver/internal/meta"
	"github.com/mozilla-services/channelserver/internal/metrics"
	"github.com/mozilla-services/channelserver/internal/session"
)

// Deps bundles the collaborators a Server needs per request.
type Deps struct {
	Broker         *broker.Broker
	Metrics        metrics.Metrics
	Logger         zerolog.Logger
	GeoReader      meta.GeoReader
	TrustedProxies []*net.IPNet
	Reputation     *abuse.Reputation
	RateLimiter    *abuse.ConnectionRateLimiter
	SessionCfg     session.Config
	// Version is the short package version reported by /__heartbeat__.
	Version string
	// VersionJSON is the raw, static contents of version.json, served
	// verbatim by /__version__.
	VersionJSON string
}

// NewMux builds the single http.ServeMux this server answers requests
// on: the WebSocket route plus the three DockerFlow health endpoints.
func NewMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws/", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, deps)
	})
	mux.HandleFunc("/__heartbeat__", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": deps.Version})
	})
	mux.HandleFunc("/__lbheartbeat__", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/__version__", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(deps.VersionJSON))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return mux
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, deps Deps) {
	channel, initialConnect, kind, err := parseChannelPath(r.URL.Path)
	if deps.Metrics != nil {
		deps.Metrics.ConnRequest(kind)
	}
	if err != nil {
		http.Error(w, "invalid channel id", http.StatusBadRequest)
		return
	}

	admissionIP := peerHost(r)
	if deps.RateLimiter != nil && !deps.RateLimiter.Allow(admissionIP) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	senderMeta := meta.Build(r, deps.TrustedProxies, deps.GeoReader, deps.Logger)

	if deps.Reputation != nil && senderMeta.Remote != "" {
		abusive, err := deps.Reputation.IsAbusive(senderMeta.Remote)
		if err != nil {
			deps.Logger.Warn().Err(err).Msg("reputation check failed, admitting connection")
		} else if abusive {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		deps.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	onTerminate := func(reason broker.Reason) {
		if deps.Reputation == nil || senderMeta.Remote == "" {
			return
		}
		go func() {
			if err := deps.Reputation.AddAbuser(senderMeta.Remote); err != nil {
				deps.Logger.Warn().Err(err).Msg("could not report abuse to reputation server")
			}
		}()
	}

	sess := session.New(conn, channel, initialConnect, senderMeta, senderMeta.Remote,
		deps.Broker, deps.Metrics, deps.Logger, deps.SessionCfg, onTerminate)

	// The request context is canceled as soon as this handler returns,
	// so the session runs on its own context.
	go sess.Run(context.Background())
}

// parseChannelPath extracts the channel id from /v1/ws/ or
// /v1/ws/{channelid}. An empty suffix means create-a-new-channel, which
// is the only path permitted to set initial_connect. The returned kind
// classifies the route the same way the conn.request counter tags it:
// "new", "existing", "error", or "none" for a path that never reaches
// the /v1/ws/ prefix at all.
func parseChannelPath(path string) (channelid.ID, bool, string, error) {
	suffix, ok := strings.CutPrefix(path, "/v1/ws/")
	if !ok {
		return channelid.ID{}, false, "none", nil
	}
	if suffix == "" {
		id, err := channelid.Generate()
		return id, true, "new", err
	}
	id, err := channelid.Decode(suffix)
	if err != nil {
		return channelid.ID{}, false, "error", err
	}
	return id, false, "existing", nil
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Serve runs an HTTP server on addr until ctx is canceled, then
// gracefully shuts it down.
func Serve(ctx context.Context, addr string, mux *http.ServeMux, logger zerolog.Logger) error {
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info().Msg("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}
