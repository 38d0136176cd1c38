package upstream

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// upgrader upgrades client connections to WebSocket.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS decorator.
		return true
	},
}

// websocketRelay dials the upstream, upgrades the client, and relays
// messages in both directions until either side closes or goes idle
// past the upgrade idle timeout.
type websocketRelay struct {
	target      *url.URL
	idleTimeout time.Duration
	metrics     *observability.Metrics
	logger      observability.Logger
}

func newWebSocketRelay(
	target *url.URL,
	idleTimeout time.Duration,
	metrics *observability.Metrics,
	logger observability.Logger,
) *websocketRelay {
	if idleTimeout <= 0 {
		idleTimeout = config.DefaultUpgradeIdleTimeout
	}
	return &websocketRelay{
		target:      target,
		idleTimeout: idleTimeout,
		metrics:     metrics,
		logger:      logger,
	}
}

// serve establishes both legs of the relay. The upstream is dialed
// first so a refused session never upgrades the client.
func (ws *websocketRelay) serve(w http.ResponseWriter, r *http.Request) {
	backendConn, resp, err := websocket.DefaultDialer.DialContext(
		r.Context(), ws.backendURL(r), relayRequestHeaders(r))
	if err != nil {
		ws.metrics.RecordUpstreamFailure()
		ws.logger.WithContext(r.Context()).Error("websocket backend dial failed",
			observability.String("target", ws.target.Host),
			observability.Error(err),
		)
		if resp != nil {
			defer resp.Body.Close()
			for k, vv := range resp.Header {
				for _, v := range vv {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(errBadGateway))
		return
	}
	defer backendConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, relayResponseHeaders(resp))
	if err != nil {
		// Upgrade has already written its own error response.
		ws.logger.WithContext(r.Context()).Error("websocket client upgrade failed",
			observability.Error(err),
		)
		return
	}
	defer clientConn.Close()

	// The hijacked connection inherits the server's per-request read and
	// write deadlines. Clear them so the session is bounded by the idle
	// timeout alone.
	_ = clientConn.UnderlyingConn().SetDeadline(time.Time{})

	ws.metrics.WebSocketSessionStarted()
	defer ws.metrics.WebSocketSessionEnded()

	ws.logger.WithContext(r.Context()).Info("websocket session established",
		observability.String("path", r.URL.Path),
	)

	start := time.Now()
	ws.relay(clientConn, backendConn)

	ws.logger.WithContext(r.Context()).Info("websocket session closed",
		observability.String("path", r.URL.Path),
		observability.Duration("duration", time.Since(start)),
	)
}

// relay copies messages between the two connections. Each successful
// read pushes the idle deadline forward, so the session survives as
// long as either direction stays active.
func (ws *websocketRelay) relay(clientConn, backendConn *websocket.Conn) {
	errCh := make(chan error, 2)

	pump := func(dst, src *websocket.Conn) {
		for {
			_ = src.SetReadDeadline(time.Now().Add(ws.idleTimeout))
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- err
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}

	go pump(clientConn, backendConn)
	go pump(backendConn, clientConn)

	// The first direction to fail ends the session; closing both
	// connections unblocks the other copier.
	<-errCh
}

// backendURL rewrites the request URL for the upstream WebSocket.
func (ws *websocketRelay) backendURL(r *http.Request) string {
	scheme := "ws"
	if ws.target.Scheme == "https" {
		scheme = "wss"
	}

	u := scheme + "://" + ws.target.Host + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// relayRequestHeaders forwards client headers to the upstream,
// excluding the handshake headers gorilla manages itself.
func relayRequestHeaders(r *http.Request) http.Header {
	header := http.Header{}
	for k, vv := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}

// relayResponseHeaders forwards upstream handshake response headers to
// the client, excluding the ones gorilla sets during Upgrade.
func relayResponseHeaders(resp *http.Response) http.Header {
	if resp == nil {
		return nil
	}
	header := http.Header{}
	for k, vv := range resp.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-accept":
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	return header
}
