// Package protocol implements the two wire formats a Process socket may
// speak to an application-server worker, as chosen by socket.protocol:
// the "session" CGI-like key/value block and "http" HTTP/1.1 framing.
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/corehost/apppool/internal/framing"
)

// RequestMeta carries everything the controller derives from an inbound
// HTTP request that both wire formats need in order to describe it to
// the worker.
type RequestMeta struct {
	Method          string
	RequestURI      string
	PathInfo        string
	ScriptName      string
	QueryString     string
	ServerName      string
	ServerPort      string
	RemoteAddr      string
	RemotePort      string
	ServerSoftware  string
	ContentType     string
	ContentLength   string // empty if absent
	RemoteUser      string
	HTTPS           bool
	ConnectionToken string // "upgrade" or "" — populated when the client sent Connection: upgrade
	Headers         map[string][]string
	ConnectPassword string // PASSENGER_CONNECT_PASSWORD-equivalent
	EnvVars         map[string]string
}

// headerNameAllowed reports whether a header name is safe to translate
// into a CGI-style HTTP_* key: only ASCII letters, digits and '-'.
// This mirrors the spec's header-smuggling mitigation: a header name
// carrying any other byte is dropped entirely rather than passed through.
func headerNameAllowed(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

func cgiHeaderKey(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 5)
	b.WriteString("HTTP_")
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' {
			b.WriteByte('_')
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// WriteSessionRequest encodes req as a single length-prefixed "session"
// protocol frame: a big-endian u32 total-byte count followed by
// NUL-terminated keys, then NUL-terminated values, in matching order.
func WriteSessionRequest(w io.Writer, req *RequestMeta) error {
	pairs := make([][2]string, 0, 16+len(req.Headers)+len(req.EnvVars))

	add := func(k, v string) {
		pairs = append(pairs, [2]string{k, v})
	}

	add("REQUEST_URI", req.RequestURI)
	add("PATH_INFO", req.PathInfo)
	add("SCRIPT_NAME", req.ScriptName)
	add("QUERY_STRING", req.QueryString)
	add("REQUEST_METHOD", req.Method)
	add("SERVER_NAME", req.ServerName)
	add("SERVER_PORT", req.ServerPort)
	add("SERVER_SOFTWARE", req.ServerSoftware)
	add("SERVER_PROTOCOL", "HTTP/1.1")
	add("REMOTE_ADDR", req.RemoteAddr)
	add("REMOTE_PORT", req.RemotePort)
	add("PASSENGER_CONNECT_PASSWORD", req.ConnectPassword)

	if req.ContentType != "" {
		add("CONTENT_TYPE", req.ContentType)
	}
	if req.ContentLength != "" {
		add("CONTENT_LENGTH", req.ContentLength)
	}
	if req.RemoteUser != "" {
		add("REMOTE_USER", req.RemoteUser)
	}
	if req.HTTPS {
		add("HTTPS", "on")
	}
	if req.ConnectionToken != "" {
		add("HTTP_CONNECTION", req.ConnectionToken)
	}

	// Deterministic header order keeps frames reproducible for tests.
	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !headerNameAllowed(name) {
			continue
		}
		key := cgiHeaderKey(name)
		add(key, strings.Join(req.Headers[name], ", "))
	}

	envNames := make([]string, 0, len(req.EnvVars))
	for name := range req.EnvVars {
		envNames = append(envNames, name)
	}
	sort.Strings(envNames)
	for _, name := range envNames {
		add(name, req.EnvVars[name])
	}

	var body bytes.Buffer
	for _, p := range pairs {
		body.WriteString(p[0])
		body.WriteByte(0)
	}
	for _, p := range pairs {
		body.WriteString(p[1])
		body.WriteByte(0)
	}

	framer := framing.NewFramer(writerOnly{w})
	if err := framer.WriteMessage(body.Bytes()); err != nil {
		return fmt.Errorf("write session frame: %w", err)
	}
	return nil
}

// writerOnly adapts an io.Writer to the io.ReadWriter framing.Framer
// expects; WriteMessage never reads, so Read is unreachable.
type writerOnly struct{ io.Writer }

func (writerOnly) Read([]byte) (int, error) { return 0, io.ErrClosedPipe }

// readerOnly adapts an io.Reader to the io.ReadWriter framing.Framer
// expects; ReadMessage never writes, so Write is unreachable.
type readerOnly struct{ io.Reader }

func (readerOnly) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

// ReadSessionRequest decodes a single "session" protocol frame, the
// inverse of WriteSessionRequest. It is used by tests and by any
// in-process worker stand-in.
func ReadSessionRequest(r io.Reader) (map[string]string, error) {
	framer := framing.NewFramer(readerOnly{r})
	body, err := framer.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read session frame: %w", err)
	}

	parts := bytes.Split(body, []byte{0})
	// Split on a NUL-terminated stream leaves one trailing empty element.
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("session frame has odd field count %d", len(parts))
	}
	n := len(parts) / 2
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		out[string(parts[i])] = string(parts[n+i])
	}
	return out, nil
}

// WriteHTTPRequest encodes req as an HTTP/1.1 request line plus headers,
// the "http" socket.protocol wire format, with the Passenger-style
// added headers and a single Connection line.
func WriteHTTPRequest(w *bufio.Writer, req *RequestMeta, keepAlive bool) error {
	requestURI := req.RequestURI
	if requestURI == "" {
		requestURI = "/"
	}
	if _, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", req.Method, requestURI); err != nil {
		return err
	}

	writeHeader := func(k, v string) error {
		_, err := fmt.Fprintf(w, "%s: %s\r\n", k, v)
		return err
	}

	if err := writeHeader("Host", req.ServerName); err != nil {
		return err
	}
	for name, values := range req.Headers {
		if !headerNameAllowed(name) {
			continue
		}
		for _, v := range values {
			if err := writeHeader(name, v); err != nil {
				return err
			}
		}
	}

	proto := "http"
	if req.HTTPS {
		proto = "https"
	}
	if err := writeHeader("X-Forwarded-Proto", proto); err != nil {
		return err
	}
	if err := writeHeader("!~Passenger-Proto", proto); err != nil {
		return err
	}
	if err := writeHeader("!~Passenger-Client-Address", req.RemoteAddr); err != nil {
		return err
	}
	if len(req.EnvVars) > 0 {
		if err := writeHeader("!~Passenger-Envvars", encodeEnvVars(req.EnvVars)); err != nil {
			return err
		}
	}

	connVal := "close"
	if req.ConnectionToken == "upgrade" {
		connVal = "upgrade"
	} else if keepAlive {
		connVal = "close" // spec: Connection is always "upgrade" or "close", never keep-alive
	}
	if err := writeHeader("Connection", connVal); err != nil {
		return err
	}

	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}
