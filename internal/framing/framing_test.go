package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFramer_WriteMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "simple payload", data: []byte(`{"message":"hello"}`)},
		{name: "empty payload", data: []byte{}},
		{name: "binary payload", data: []byte{0x00, 0x01, 0xff, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)

			if err := framer.WriteMessage(tt.data); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}

			written := buf.Bytes()
			if len(written) < 4 {
				t.Fatal("frame too short")
			}

			length := binary.BigEndian.Uint32(written[:4])
			if int(length) != len(tt.data) {
				t.Errorf("length mismatch: header=%d, actual=%d", length, len(tt.data))
			}

			payload := written[4:]
			if !bytes.Equal(payload, tt.data) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestFramer_ReadMessage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "simple payload", data: []byte(`{"result":"success"}`)},
		{name: "error-shaped payload", data: []byte(`{"error":"something went wrong"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			framer := NewFramer(&buf)
			if err := framer.WriteMessage(tt.data); err != nil {
				t.Fatalf("failed to write message: %v", err)
			}

			readFramer := NewFramer(&buf)
			msg, err := readFramer.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}

			if !bytes.Equal(msg, tt.data) {
				t.Error("read message doesn't match original")
			}
		})
	}
}

func TestFramer_ReadMessage_EOF(t *testing.T) {
	var buf bytes.Buffer
	framer := NewFramer(&buf)
	if _, err := framer.ReadMessage(); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestFramer_MaxFrameSize(t *testing.T) {
	var buf bytes.Buffer
	maxSize := 100
	framer := NewFramerWithMaxSize(&buf, maxSize)

	largeData := make([]byte, maxSize+1)
	if err := framer.WriteMessage(largeData); err == nil {
		t.Error("expected error for oversized message")
	}
}

func TestFramer_PartialRead(t *testing.T) {
	data := []byte(`{"test":true,"payload":"enough bytes to span several reads"}`)

	var fullBuf bytes.Buffer
	framer := NewFramer(&fullBuf)
	if err := framer.WriteMessage(data); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}

	pr := &partialReader{data: fullBuf.Bytes(), chunkSize: 10}

	readFramer := NewFramer(pr)
	msg, err := readFramer.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}

	if !bytes.Equal(msg, data) {
		t.Error("partial read resulted in corrupted message")
	}
}

// partialReader simulates reading data in small chunks, the way a real
// socket delivers bytes across several syscalls.
type partialReader struct {
	data      []byte
	offset    int
	chunkSize int
}

func (r *partialReader) Read(p []byte) (n int, err error) {
	if r.offset >= len(r.data) {
		return 0, io.EOF
	}

	remaining := len(r.data) - r.offset
	toRead := r.chunkSize
	if toRead > remaining {
		toRead = remaining
	}
	if toRead > len(p) {
		toRead = len(p)
	}

	copy(p, r.data[r.offset:r.offset+toRead])
	r.offset += toRead
	return toRead, nil
}

func (r *partialReader) Write(_ []byte) (n int, err error) {
	return 0, io.ErrClosedPipe
}
