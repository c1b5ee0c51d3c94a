package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath        = "/mesh"
	wsDefaultReadLimit   = 16 * 1024 * 1024 // 16 MB max message size
	wsDefaultIdleTimeout = 60 * time.Second
)

// WebSocketConnector implements Connector using the WebSocket protocol.
// WebSocket has no native stream multiplexing, but a mesh Tunnel never
// needs more than one bidirectional stream anyway, so the connection
// itself doubles directly as the Tunnel.
type WebSocketConnector struct {
	mu        sync.Mutex
	listeners []*wsListener
	closed    bool
}

// NewWebSocketConnector creates a new WebSocket connector.
func NewWebSocketConnector() *WebSocketConnector {
	return &WebSocketConnector{}
}

// Kind returns the transport protocol identifier.
func (c *WebSocketConnector) Kind() Kind {
	return KindWebSocket
}

// Dial connects to a remote peer using WebSocket.
func (c *WebSocketConnector) Dial(ctx context.Context, addr string, opts DialOptions) (Tunnel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connector closed")
	}
	c.mu.Unlock()

	wsURL := parseWebSocketURL(addr)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{}
	wsSubprotocol := opts.WSSubprotocol
	if wsSubprotocol == "" {
		wsSubprotocol = DefaultWSSubprotocol
	}
	if wsSubprotocol != "" {
		dialOpts.Subprotocols = []string{wsSubprotocol}
	}

	httpClient, err := buildHTTPClient(opts)
	if err != nil {
		return nil, err
	}
	dialOpts.HTTPClient = httpClient

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return newWSTunnel(conn, true), nil
}

// Listen creates a WebSocket listener.
func (c *WebSocketConnector) Listen(addr string, opts ListenOptions) (Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("connector closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil && !opts.PlainText {
		return nil, fmt.Errorf("TLS config required for WebSocket listener (use PlainText: true for reverse proxy mode)")
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	wsSubprotocol := DefaultWSSubprotocol

	l := &wsListener{
		addr:          addr,
		path:          path,
		tlsConfig:     tlsConfig,
		wsSubprotocol: wsSubprotocol,
		connCh:        make(chan *wsTunnel, 16),
		closeCh:       make(chan struct{}),
	}

	if err := l.start(); err != nil {
		return nil, err
	}

	c.listeners = append(c.listeners, l)
	return l, nil
}

// Close shuts down the connector and all listeners.
func (c *WebSocketConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var lastErr error
	for _, l := range c.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	c.listeners = nil

	return lastErr
}

// wsListener implements Listener for WebSocket.
type wsListener struct {
	addr          string
	path          string
	tlsConfig     *tls.Config
	wsSubprotocol string // WebSocket subprotocol (empty to disable)
	server        *http.Server
	netLn         net.Listener
	connCh        chan *wsTunnel
	closeCh       chan struct{}
	closed        atomic.Bool
	mu            sync.Mutex
}

// start initializes the HTTP server.
func (l *wsListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()

	return nil
}

// handleWebSocket handles incoming WebSocket upgrade requests.
func (l *wsListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	acceptOpts := &websocket.AcceptOptions{}
	if l.wsSubprotocol != "" {
		acceptOpts.Subprotocols = []string{l.wsSubprotocol}
	}
	conn, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return
	}

	conn.SetReadLimit(wsDefaultReadLimit)
	tun := newWSTunnel(conn, false)

	select {
	case l.connCh <- tun:
	case <-l.closeCh:
		conn.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for and returns the next WebSocket connection.
func (l *wsListener) Accept(ctx context.Context) (Tunnel, error) {
	select {
	case conn := <-l.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, fmt.Errorf("listener closed")
	}
}

// Addr returns the listener's address.
func (l *wsListener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	close(l.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if l.server != nil {
		return l.server.Shutdown(ctx)
	}
	return nil
}

// wsTunnel implements Tunnel directly over a WebSocket connection, using
// binary messages as the byte stream the Peer Connection's frame codec
// reads and writes.
type wsTunnel struct {
	conn     *websocket.Conn
	ctx      context.Context
	isDialer bool
	reader   io.Reader
	readMu   sync.Mutex // protects the buffered reader, not the blocking read itself
	closed   atomic.Bool
}

func newWSTunnel(conn *websocket.Conn, isDialer bool) *wsTunnel {
	return &wsTunnel{conn: conn, ctx: context.Background(), isDialer: isDialer}
}

// Read reads data from the WebSocket connection, pulling a new binary
// message once the buffered one is exhausted.
func (t *wsTunnel) Read(p []byte) (int, error) {
	t.readMu.Lock()
	if t.reader != nil {
		n, err := t.reader.Read(p)
		if err == io.EOF {
			t.reader = nil
			t.readMu.Unlock()
			if n > 0 {
				return n, nil
			}
		} else {
			t.readMu.Unlock()
			return n, err
		}
	} else {
		t.readMu.Unlock()
	}

	msgType, reader, err := t.conn.Reader(t.ctx)
	if err != nil {
		return 0, err
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected message type: %v", msgType)
	}

	t.readMu.Lock()
	t.reader = reader
	n, err := t.reader.Read(p)
	if err == io.EOF {
		t.reader = nil
		err = nil
	}
	t.readMu.Unlock()
	return n, err
}

// Write writes data as a single WebSocket binary message.
func (t *wsTunnel) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, fmt.Errorf("tunnel closed")
	}
	if err := t.conn.Write(t.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close terminates the WebSocket connection.
func (t *wsTunnel) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

// LocalAddr returns nil; WebSocket does not expose a local address.
func (t *wsTunnel) LocalAddr() net.Addr { return nil }

// RemoteAddr returns nil; WebSocket does not expose a remote address.
func (t *wsTunnel) RemoteAddr() net.Addr { return nil }

// IsDialer returns true if this side initiated the connection.
func (t *wsTunnel) IsDialer() bool { return t.isDialer }

// Kind returns the transport protocol type.
func (t *wsTunnel) Kind() Kind { return KindWebSocket }

// parseWebSocketURL parses the address into a WebSocket URL.
func parseWebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	// Always use wss:// for security. If no TLS config is provided,
	// buildHTTPClient will create a default insecure config.
	return "wss://" + addr + wsDefaultPath
}

// buildHTTPClient creates an HTTP client with optional TLS and proxy settings.
func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		// Default (StrictVerify=false) skips verification, which is safe
		// because the mesh's packet encryption layer provides security
		// independent of the transport session.
		tlsConfig = &tls.Config{
			InsecureSkipVerify: !opts.StrictVerify,
			MinVersion:         tls.VersionTLS13,
		}
	}

	rt := &http.Transport{TLSClientConfig: tlsConfig}

	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err == nil {
			if opts.ProxyUsername != "" {
				proxyURL.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
			}
			rt.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   opts.Timeout,
	}, nil
}
