package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

// HTTP/2 transport constants
const (
	h2DefaultPath        = "/mesh"
	h2DefaultIdleTimeout = 60 * time.Second
)

// H2Connector implements Connector using HTTP/2 streaming. HTTP/2 gives
// each Tunnel a single long-lived POST request streamed in both
// directions via io.Pipe; there is no virtual-stream multiplexing since
// a mesh Tunnel never needs more than the one stream anyway.
type H2Connector struct {
	mu        sync.Mutex
	listeners []*h2Listener
	closed    bool
}

// NewH2Connector creates a new HTTP/2 connector.
func NewH2Connector() *H2Connector {
	return &H2Connector{}
}

// Kind returns the transport protocol identifier.
func (c *H2Connector) Kind() Kind {
	return KindHTTP2
}

// Dial connects to a remote peer using HTTP/2 streaming.
func (c *H2Connector) Dial(ctx context.Context, addr string, opts DialOptions) (Tunnel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connector closed")
	}
	c.mu.Unlock()

	h2URL, path := parseH2Address(addr)

	// The request context must outlive the dial call; it is canceled on
	// Close() to tear down the HTTP/2 stream. Dial timeout is tracked
	// separately via dialCtx.
	connCtx, connCancel := context.WithCancel(context.Background())

	var dialCtx context.Context
	var dialCancel context.CancelFunc
	if opts.Timeout > 0 {
		dialCtx, dialCancel = context.WithTimeout(ctx, opts.Timeout)
	} else {
		dialCtx, dialCancel = context.WithCancel(ctx)
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"h2"},
		}
	} else {
		tlsConfig = ensureH2InNextProtos(tlsConfig)
	}

	h2Transport := &http2.Transport{
		TLSClientConfig: tlsConfig,
		AllowHTTP:       false,
	}

	// Client writes to pipeWriter, server reads from pipeReader.
	pipeReader, pipeWriter := io.Pipe()

	req, err := http.NewRequestWithContext(connCtx, "POST", h2URL+path, pipeReader)
	if err != nil {
		dialCancel()
		connCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(ProtocolHeader, ALPNProtocol)

	type roundTripResult struct {
		resp *http.Response
		err  error
	}
	resultCh := make(chan roundTripResult, 1)

	go func() {
		resp, err := h2Transport.RoundTrip(req)
		resultCh <- roundTripResult{resp, err}
	}()

	var resp *http.Response
	select {
	case result := <-resultCh:
		dialCancel()
		if result.err != nil {
			connCancel()
			pipeWriter.Close()
			pipeReader.Close()
			return nil, fmt.Errorf("HTTP/2 dial failed: %w", result.err)
		}
		resp = result.resp
	case <-dialCtx.Done():
		connCancel()
		dialCancel()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("HTTP/2 dial timeout: %w", dialCtx.Err())
	}

	if resp.StatusCode != http.StatusOK {
		connCancel()
		resp.Body.Close()
		pipeWriter.Close()
		pipeReader.Close()
		return nil, fmt.Errorf("HTTP/2 dial failed: status %d", resp.StatusCode)
	}

	return &h2Tunnel{
		reader:   resp.Body,
		writer:   pipeWriter,
		isDialer: true,
		cancelFn: connCancel,
	}, nil
}

// Listen creates an HTTP/2 listener.
func (c *H2Connector) Listen(addr string, opts ListenOptions) (Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("connector closed")
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for HTTP/2 listener")
	}
	tlsConfig = ensureH2InNextProtos(tlsConfig)

	path := opts.Path
	if path == "" {
		path = h2DefaultPath
	}

	l := &h2Listener{
		addr:      addr,
		path:      path,
		tlsConfig: tlsConfig,
		connCh:    make(chan *h2Tunnel, 16),
		closeCh:   make(chan struct{}),
	}

	if err := l.start(); err != nil {
		return nil, err
	}

	c.listeners = append(c.listeners, l)
	return l, nil
}

// Close shuts down the connector and all listeners.
func (c *H2Connector) Close() error {
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

// h2Listener implements Listener for HTTP/2.
type h2Listener struct {
	addr      string
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	connCh    chan *h2Tunnel
	closeCh   chan struct{}
	closed    atomic.Bool
	mu        sync.Mutex
}

// start initializes the HTTP/2 server.
func (l *h2Listener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleH2Stream)

	l.server = &http.Server{
		Addr:      l.addr,
		Handler:   mux,
		TLSConfig: l.tlsConfig,
	}

	http2.ConfigureServer(l.server, &http2.Server{})

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	l.netLn = ln

	go func() {
		tlsLn := tls.NewListener(ln, l.tlsConfig)
		l.server.Serve(tlsLn)
	}()

	return nil
}

// handleH2Stream handles incoming HTTP/2 streaming POST requests.
func (l *h2Listener) handleH2Stream(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	if r.Method != "POST" {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	proto := r.Header.Get(ProtocolHeader)
	if proto != "" && proto != ALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set(ProtocolHeader, ALPNProtocol)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Server writes to pipeWriter, response body reads from pipeReader.
	pipeReader, pipeWriter := io.Pipe()

	pumpDone := make(chan struct{})

	tun := &h2Tunnel{
		reader:  r.Body,
		writer:  pipeWriter,
		flusher: flusher,
		doneCh:  make(chan struct{}),
	}

	go func() {
		defer close(pumpDone)
		defer pipeReader.Close()
		buf := make([]byte, 32768)
		for {
			n, err := pipeReader.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return
				}
				flusher.Flush()
			}
		}
	}()

	select {
	case l.connCh <- tun:
		<-tun.doneCh
		pipeWriter.Close()
		<-pumpDone
	case <-l.closeCh:
		pipeWriter.Close()
		<-pumpDone
	}
}

// Accept waits for and returns the next HTTP/2 connection.
func (l *h2Listener) Accept(ctx context.Context) (Tunnel, error) {
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
func (l *h2Listener) Addr() net.Addr {
	if l.netLn != nil {
		return l.netLn.Addr()
	}
	return nil
}

// Close stops the listener.
func (l *h2Listener) Close() error {
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

// h2Tunnel implements Tunnel over a single HTTP/2 streamed POST request:
// the one request/response pair is already exactly the bidirectional
// byte stream a Tunnel needs.
type h2Tunnel struct {
	reader   io.ReadCloser
	writer   io.WriteCloser
	isDialer bool
	flusher  http.Flusher
	writeMu  sync.Mutex
	closed   atomic.Bool
	doneCh   chan struct{}
	cancelFn context.CancelFunc // dial-side: tears down the HTTP/2 request context
}

// Read reads data from the HTTP/2 stream.
func (t *h2Tunnel) Read(p []byte) (int, error) {
	return t.reader.Read(p)
}

// Write writes data to the HTTP/2 stream.
func (t *h2Tunnel) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, fmt.Errorf("tunnel closed")
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.writer.Write(p)
}

// Close terminates the HTTP/2 stream.
func (t *h2Tunnel) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	if t.doneCh != nil {
		close(t.doneCh)
	}
	if t.cancelFn != nil {
		t.cancelFn()
	}

	var err error
	if t.writer != nil {
		if closeErr := t.writer.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if t.reader != nil {
		if closeErr := t.reader.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}

// LocalAddr returns nil; HTTP/2 streaming does not expose one here.
func (t *h2Tunnel) LocalAddr() net.Addr { return nil }

// RemoteAddr returns nil; HTTP/2 streaming does not expose one here.
func (t *h2Tunnel) RemoteAddr() net.Addr { return nil }

// IsDialer returns true if this side initiated the connection.
func (t *h2Tunnel) IsDialer() bool { return t.isDialer }

// Kind returns the transport protocol type.
func (t *h2Tunnel) Kind() Kind { return KindHTTP2 }

// parseH2Address parses the address into HTTP/2 URL components.
func parseH2Address(addr string) (baseURL, path string) {
	if len(addr) > 8 && addr[:8] == "https://" {
		for i := 8; i < len(addr); i++ {
			if addr[i] == '/' {
				return addr[:i], addr[i:]
			}
		}
		return addr, h2DefaultPath
	}

	if len(addr) > 7 && addr[:7] == "http://" {
		for i := 7; i < len(addr); i++ {
			if addr[i] == '/' {
				return addr[:i], addr[i:]
			}
		}
		return addr, h2DefaultPath
	}

	return "https://" + addr, h2DefaultPath
}
