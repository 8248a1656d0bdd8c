// Package controller implements the front-facing HTTP handler that
// turns an inbound request into a Pool checkout, speaks whichever wire
// format the checked-out process's socket advertises, and streams the
// worker's response back to the client.
package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/corehost/apppool/internal/filebuffer"
	"github.com/corehost/apppool/internal/protocol"
	"github.com/corehost/apppool/pkg/apppool"
)

// Config carries the knobs controller.Controller needs that don't
// belong to the Pool itself — request-level timeouts and the
// sticky-session cookie name, mirroring apppool.ProtocolConfig.
type Config struct {
	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	StickySessionCookie string
	ServerSoftware      string
	// RequestBodyBuffering routes the request body through a
	// filebuffer.Channel before forwarding. The channel's sink writes
	// each chunk to the worker connection inside Feed, so a worker that
	// reads slowly still slows down reading of the client's upload.
	RequestBodyBuffering bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.StickySessionCookie == "" {
		c.StickySessionCookie = "_app_session_id"
	}
	if c.ServerSoftware == "" {
		c.ServerSoftware = "apppool"
	}
	return c
}

// GroupResolver maps an inbound request to the app group and app root
// it should be routed to. A single-app deployment can return a
// constant; a multi-tenant one inspects the Host header or path.
type GroupResolver func(r *http.Request) (appGroupName, appRoot string)

// Controller is the per-connection HTTP state machine of spec.md §4.6,
// expressed as a standard net/http.Handler so it composes with the
// rest of the Go HTTP ecosystem (middleware, TLS termination, h2c,
// graceful shutdown) instead of owning its own listener loop.
type Controller struct {
	pool    *apppool.Pool
	resolve GroupResolver
	cfg     Config
	logger  *apppool.Logger
}

// New constructs a Controller that checks out sessions from pool.
func New(pool *apppool.Pool, resolve GroupResolver, cfg Config, logger *apppool.Logger) *Controller {
	return &Controller{
		pool:    pool,
		resolve: resolve,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// ServeHTTP implements the CHECKING_OUT_SESSION through DONE states of
// spec.md §4.6 for a single request. Upgrade (WebSocket) requests are
// detected from the Connection header and handled by full-duplex
// byte-splicing instead of the buffered request/response path.
func (c *Controller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appGroupName, appRoot := c.resolve(r)
	if appGroupName == "" {
		http.Error(w, "no application configured for this request", http.StatusNotFound)
		return
	}

	opts := apppool.GetOptions{
		AppGroupName: appGroupName,
		AppRoot:      appRoot,
	}
	if cookie, err := r.Cookie(c.cfg.StickySessionCookie); err == nil && cookie.Value != "" {
		if id, err := strconv.ParseUint(cookie.Value, 10, 32); err == nil {
			opts.StickySessionID = uint32(id)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), c.cfg.RequestTimeout)
	defer cancel()

	session, err := c.pool.AsyncGet(ctx, opts)
	if err != nil {
		c.logger.ErrorContext(ctx, "session checkout failed", "group", appGroupName, "error", err)
		http.Error(w, "upstream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer session.Close()

	conn, err := session.Initiate(c.cfg.ConnectTimeout)
	if err != nil {
		c.logger.ErrorContext(ctx, "session initiate failed", "group", appGroupName, "error", err)
		http.Error(w, "upstream connection failed", http.StatusBadGateway)
		return
	}

	meta := c.buildRequestMeta(r)

	isUpgrade := meta.ConnectionToken == "upgrade"

	switch session.Socket().Protocol {
	case "http":
		c.serveHTTPProtocol(w, r, conn, meta, isUpgrade)
	default:
		c.serveSessionProtocol(w, r, conn, meta)
	}
}

// buildRequestMeta translates a net/http.Request into the wire-format-
// neutral RequestMeta the protocol package encodes, the controller's
// equivalent of spec.md §4.6's header-parsing state.
func (c *Controller) buildRequestMeta(r *http.Request) *protocol.RequestMeta {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host, port = r.Host, "80"
		if r.TLS != nil {
			port = "443"
		}
	}
	remoteAddr, remotePort, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteAddr, remotePort = r.RemoteAddr, ""
	}

	connToken := ""
	if strings.EqualFold(r.Header.Get("Connection"), "upgrade") && r.Header.Get("Upgrade") != "" {
		connToken = "upgrade"
	}

	contentLength := ""
	if r.ContentLength >= 0 {
		contentLength = strconv.FormatInt(r.ContentLength, 10)
	}

	remoteUser := ""
	if u, _, ok := r.BasicAuth(); ok {
		remoteUser = u
	}

	return &protocol.RequestMeta{
		Method:          r.Method,
		RequestURI:      r.URL.RequestURI(),
		PathInfo:        r.URL.Path,
		ScriptName:      "",
		QueryString:     r.URL.RawQuery,
		ServerName:      host,
		ServerPort:      port,
		RemoteAddr:      remoteAddr,
		RemotePort:      remotePort,
		ServerSoftware:  c.cfg.ServerSoftware,
		ContentType:     r.Header.Get("Content-Type"),
		ContentLength:   contentLength,
		RemoteUser:      remoteUser,
		HTTPS:           r.TLS != nil,
		ConnectionToken: connToken,
		Headers:         r.Header,
	}
}

// serveSessionProtocol forwards the request over the CGI-like "session"
// wire format: one length-prefixed header frame, then the raw request
// body, then the worker's raw HTTP-ish response.
func (c *Controller) serveSessionProtocol(w http.ResponseWriter, r *http.Request, conn net.Conn, meta *protocol.RequestMeta) {
	if err := protocol.WriteSessionRequest(conn, meta); err != nil {
		c.logger.ErrorContext(r.Context(), "write session request failed", "error", err)
		http.Error(w, "upstream write failed", http.StatusBadGateway)
		return
	}

	if err := c.forwardRequestBody(r, conn); err != nil {
		c.logger.ErrorContext(r.Context(), "forward request body failed", "error", err)
		return
	}
	if half, ok := conn.(halfCloser); ok {
		_ = half.CloseWrite()
	}

	if err := copyWorkerResponse(w, bufio.NewReader(conn)); err != nil {
		c.logger.ErrorContext(r.Context(), "copy worker response failed", "error", err)
	}
}

// serveHTTPProtocol forwards the request as a real HTTP/1.1 request and
// relays the worker's HTTP response line-for-line; on a Connection:
// upgrade it switches into full-duplex byte splicing once the worker's
// 101 response is relayed, per spec.md §4.6's UPGRADED state.
func (c *Controller) serveHTTPProtocol(w http.ResponseWriter, r *http.Request, conn net.Conn, meta *protocol.RequestMeta, isUpgrade bool) {
	bw := bufio.NewWriter(conn)
	if err := protocol.WriteHTTPRequest(bw, meta, false); err != nil {
		c.logger.ErrorContext(r.Context(), "write http request failed", "error", err)
		http.Error(w, "upstream write failed", http.StatusBadGateway)
		return
	}

	if err := c.forwardRequestBody(r, conn); err != nil {
		c.logger.ErrorContext(r.Context(), "forward request body failed", "error", err)
		return
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, r)
	if err != nil {
		c.logger.ErrorContext(r.Context(), "read worker response failed", "error", err)
		http.Error(w, "bad upstream response", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}

	if isUpgrade && resp.StatusCode == http.StatusSwitchingProtocols {
		c.spliceUpgrade(r.Context(), w, conn, resp)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if err := relayResponseBody(w, resp.Body); err != nil {
		c.logger.ErrorContext(r.Context(), "stream worker response body failed", "error", err)
	}
}

// spliceUpgrade takes over the client connection's hijacked socket and
// relays bytes bidirectionally, the FORWARDING_BODY_TO_APP_AND_READING_
// ITS_RESPONSE state collapsing into a raw pipe once both sides have
// agreed to upgrade.
func (c *Controller) spliceUpgrade(ctx context.Context, w http.ResponseWriter, upstream net.Conn, resp *http.Response) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		c.logger.ErrorContext(ctx, "hijack failed", "error", err)
		return
	}
	defer clientConn.Close()

	if err := resp.Write(clientConn); err != nil {
		return
	}
	if clientBuf.Reader.Buffered() > 0 {
		buffered := make([]byte, clientBuf.Reader.Buffered())
		_, _ = io.ReadFull(clientBuf.Reader, buffered)
		if _, err := upstream.Write(buffered); err != nil {
			return
		}
	}

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(upstream, clientConn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(clientConn, upstream); done <- struct{}{} }()
	<-done
}

// forwardRequestBody streams r.Body to the worker connection. When
// RequestBodyBuffering is enabled, the body is fed through a
// filebuffer.Channel whose connSink writes each chunk to conn before
// Feed returns, so the upload is read at the pace the worker accepts it.
func (c *Controller) forwardRequestBody(r *http.Request, conn net.Conn) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	if !c.cfg.RequestBodyBuffering {
		_, err := io.Copy(conn, r.Body)
		return err
	}

	sink := &connSink{conn: conn}
	ch := filebuffer.New(sink)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if ferr := ch.Feed(chunk); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return ch.Feed(nil)
		}
		if err != nil {
			return err
		}
	}
}

// connSink adapts a net.Conn into a filebuffer.Sink; it always accepts
// (the kernel's send buffer provides the only backpressure we need for
// a plain TCP/Unix socket write).
type connSink struct {
	conn net.Conn
}

func (s *connSink) Consume(buf []byte) (bool, error) {
	if buf == nil {
		return true, nil
	}
	_, err := s.conn.Write(buf)
	return err == nil, err
}

// responseWriterSink adapts an http.ResponseWriter into a
// filebuffer.Sink for the worker-to-client leg of the relay.
type responseWriterSink struct {
	w http.ResponseWriter
}

func (s *responseWriterSink) Consume(buf []byte) (bool, error) {
	if buf == nil {
		return true, nil
	}
	n, err := s.w.Write(buf)
	if err != nil {
		return false, err
	}
	if n != len(buf) {
		return false, io.ErrShortWrite
	}
	return true, nil
}

// relayResponseBody streams the worker's response body into w through
// a filebuffer.Channel, the response-side half of spec.md §4.6's
// FileBufferedChannel relay. responseWriterSink accepts each chunk and
// writes it to w before Feed returns, so the worker's body is read at
// the client's pace and the channel neither accumulates data nor
// spills to disk.
func relayResponseBody(w http.ResponseWriter, body io.Reader) error {
	ch := filebuffer.New(&responseWriterSink{w: w})
	defer ch.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if ferr := ch.Feed(chunk); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return ch.Feed(nil)
		}
		if err != nil {
			return err
		}
	}
}

// copyWorkerResponse relays a "session" protocol worker's raw response
// (status line onward, already HTTP-shaped per spec.md's CGI gateway
// convention) to the client response writer.
func copyWorkerResponse(w http.ResponseWriter, br *bufio.Reader) error {
	statusLine, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("read worker status line: %w", err)
	}
	status := parseStatusLine(statusLine)

	headers := make(http.Header)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read worker header line: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	for k, values := range headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(status)

	if err := relayResponseBody(w, br); err != nil {
		return fmt.Errorf("copy worker body: %w", err)
	}
	return nil
}

func parseStatusLine(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return http.StatusOK
	}
	// "HTTP/1.1 200 OK" or a bare "Status: 200 OK"-less worker reply.
	fields := strings.Fields(line)
	for _, f := range fields {
		if code, err := strconv.Atoi(f); err == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return http.StatusOK
}

type halfCloser interface {
	CloseWrite() error
}
