package jsonrpc

import (
	"bufio"
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":"1","method":"textDocument/hover"}`)

	var buf bytes.Buffer
	if err := EncodeFrame(&buf, body); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	got, err := DecodeFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch: got %s, want %s", got, body)
	}
}

func TestEncodeFrameHeaderShape(t *testing.T) {
	body := []byte(`{}`)
	var buf bytes.Buffer
	if err := EncodeFrame(&buf, body); err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	s := buf.String()
	if !strings.HasPrefix(s, "Content-Length: 2\r\n") {
		t.Fatalf("unexpected header: %q", s)
	}
	if !strings.Contains(s, "Content-Type: application/vscode-jsonrpc") {
		t.Fatalf("missing Content-Type header: %q", s)
	}
	if !strings.HasSuffix(s, "\r\n\r\n{}") {
		t.Fatalf("body not immediately after blank line: %q", s)
	}
}

func TestDecodeFrameMissingContentLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Type: application/json\r\n\r\n{}"))
	_, err := DecodeFrame(r)
	if err == nil {
		t.Fatal("expected error for missing Content-Length")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %T: %v", err, err)
	}
}

func TestDecodeFrameNegativeContentLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: -1\r\n\r\n"))
	_, err := DecodeFrame(r)
	if err == nil {
		t.Fatal("expected error for negative Content-Length")
	}
}

func TestDecodeFrameNonNumericContentLength(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Content-Length: abc\r\n\r\n"))
	_, err := DecodeFrame(r)
	if err == nil {
		t.Fatal("expected error for non-numeric Content-Length")
	}
}

func TestDecodeFrameInvalidJSON(t *testing.T) {
	body := "not json"
	r := bufio.NewReader(strings.NewReader(
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body))
	_, err := DecodeFrame(r)
	if err == nil {
		t.Fatal("expected error for invalid JSON body")
	}
}

func TestDecodeFrameCaseInsensitiveHeader(t *testing.T) {
	body := `{"ok":true}`
	r := bufio.NewReader(strings.NewReader(
		"content-length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body))
	got, err := DecodeFrame(r)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if string(got) != body {
		t.Fatalf("got %s, want %s", got, body)
	}
}

