package protocol

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadSessionRequest_RoundTrip(t *testing.T) {
	req := &RequestMeta{
		Method:          "GET",
		RequestURI:      "/widgets?id=1",
		PathInfo:        "/widgets",
		ScriptName:      "",
		QueryString:     "id=1",
		ServerName:      "example.test",
		ServerPort:      "80",
		RemoteAddr:      "10.0.0.5",
		RemotePort:      "55000",
		ServerSoftware:  "apppool/1",
		ContentLength:   "0",
		ConnectPassword: "secret",
		Headers: map[string][]string{
			"Accept":       {"text/html"},
			"X-Request-Id": {"abc123"},
		},
	}

	var buf bytes.Buffer
	if err := WriteSessionRequest(&buf, req); err != nil {
		t.Fatalf("WriteSessionRequest: %v", err)
	}

	fields, err := ReadSessionRequest(&buf)
	if err != nil {
		t.Fatalf("ReadSessionRequest: %v", err)
	}

	want := map[string]string{
		"REQUEST_URI":                "/widgets?id=1",
		"REQUEST_METHOD":             "GET",
		"SERVER_PROTOCOL":            "HTTP/1.1",
		"PASSENGER_CONNECT_PASSWORD": "secret",
		"HTTP_ACCEPT":                "text/html",
		"HTTP_X_REQUEST_ID":          "abc123",
	}
	for k, v := range want {
		if fields[k] != v {
			t.Errorf("field %s = %q, want %q", k, fields[k], v)
		}
	}
}

func TestWriteSessionRequest_DropsUnsafeHeaderNames(t *testing.T) {
	req := &RequestMeta{
		Method:     "GET",
		ServerName: "example.test",
		Headers: map[string][]string{
			"X-Ok":              {"fine"},
			"X-Bad\r\nInjected": {"smuggled"},
			"X-Bad:Colon":       {"also-bad"},
		},
	}

	var buf bytes.Buffer
	if err := WriteSessionRequest(&buf, req); err != nil {
		t.Fatalf("WriteSessionRequest: %v", err)
	}

	fields, err := ReadSessionRequest(&buf)
	if err != nil {
		t.Fatalf("ReadSessionRequest: %v", err)
	}

	if _, ok := fields["HTTP_X_OK"]; !ok {
		t.Error("expected safe header to survive")
	}
	for k := range fields {
		if k == "HTTP_X_BAD_COLON" || k == "HTTP_X_BAD\r\nINJECTED" {
			t.Errorf("unsafe header leaked through as %s", k)
		}
	}
}

func TestWriteHTTPRequest_ConnectionLineNeverKeepAlive(t *testing.T) {
	req := &RequestMeta{
		Method:     "GET",
		RequestURI: "/",
		ServerName: "example.test",
	}

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if err := WriteHTTPRequest(w, req, true); err != nil {
		t.Fatalf("WriteHTTPRequest: %v", err)
	}

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("Connection: close\r\n")) {
		t.Errorf("expected Connection: close, got:\n%s", out)
	}

	req.ConnectionToken = "upgrade"
	buf.Reset()
	w = bufio.NewWriter(&buf)
	if err := WriteHTTPRequest(w, req, true); err != nil {
		t.Fatalf("WriteHTTPRequest: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("Connection: upgrade\r\n")) {
		t.Errorf("expected Connection: upgrade, got:\n%s", buf.String())
	}
}

func TestEnvVarsRoundTrip(t *testing.T) {
	vars := map[string]string{"RAILS_ENV": "production", "PORT": "3000"}
	encoded := encodeEnvVars(vars)
	decoded, err := decodeEnvVars(encoded)
	if err != nil {
		t.Fatalf("decodeEnvVars: %v", err)
	}
	for k, v := range vars {
		if decoded[k] != v {
			t.Errorf("decoded[%s] = %q, want %q", k, decoded[k], v)
		}
	}
}
