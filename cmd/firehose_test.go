package cmd

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPrintEvent(t *testing.T) {
	data := `{"type":"data","item":{"id":"a"}}`
	heartbeat := `{"type":"heartbeat","time":"2025-03-01T12:00:00Z"}`

	tests := []struct {
		name   string
		opts   firehoseOptions
		line   string
		expect string
	}{
		{"data passes", firehoseOptions{}, data, data + "\n"},
		{"heartbeat filtered", firehoseOptions{}, heartbeat, ""},
		{"heartbeat with all", firehoseOptions{includeAll: true}, heartbeat, heartbeat + "\n"},
		{"malformed skipped", firehoseOptions{}, "not json", ""},
		{"malformed with all", firehoseOptions{includeAll: true}, "not json", "not json\n"},
		{"blank line", firehoseOptions{includeAll: true}, "  ", ""},
		{"pretty", firehoseOptions{pretty: true}, `{"type":"data"}`, "{\n  \"type\": \"data\"\n}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			tt.opts.stdout = &out
			printEvent([]byte(tt.line), tt.opts)
			if out.String() != tt.expect {
				t.Errorf("expected %q, got %q", tt.expect, out.String())
			}
		})
	}
}

func TestFirehoseURL(t *testing.T) {
	u, err := firehoseURL("ws://127.0.0.1:8480/api/firehose/ws", []string{"a", "b"}, []string{"logs"})
	if err != nil {
		t.Fatalf("Failed to build url: %v", err)
	}
	if !strings.Contains(u, "subscription=a%2Cb") || !strings.Contains(u, "kind=logs") {
		t.Errorf("unexpected url %s", u)
	}
}

func TestTailFirehoseSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "cs")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "bridge.sock")

	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("{\"type\":\"heartbeat\"}\n{\"type\":\"data\",\"item\":{\"id\":\"x\"}}\n"))
		_ = c.Close()
	}()

	var out, errOut bytes.Buffer
	opts := firehoseOptions{noRetry: true, stdout: &out, stderr: &errOut}
	if err := tailFirehose(t.Context(), opts, path, dialSocket); err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if out.String() != "{\"type\":\"data\",\"item\":{\"id\":\"x\"}}\n" {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestTailFirehoseNoRetryDialError(t *testing.T) {
	var out, errOut bytes.Buffer
	opts := firehoseOptions{noRetry: true, stdout: &out, stderr: &errOut}
	err := tailFirehose(t.Context(), opts, filepath.Join(t.TempDir(), "missing.sock"), dialSocket)
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Errorf("expected dial error, got %v", err)
	}
}

func TestTailFirehoseWebsocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"init","mode":"push","count":0}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"data","item":{"id":"y"}}`))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream shut down"))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	opts := firehoseOptions{noRetry: true, stdout: &out, stderr: &errOut}
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	target := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/firehose/ws"
	if err := tailFirehose(ctx, opts, target, dialWebsocket); err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if out.String() != "{\"type\":\"data\",\"item\":{\"id\":\"y\"}}\n" {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestTailFirehoseCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	var out, errOut bytes.Buffer
	opts := firehoseOptions{initialBackoff: time.Millisecond, stdout: &out, stderr: &errOut}
	err := tailFirehose(ctx, opts, filepath.Join(t.TempDir(), "missing.sock"), dialSocket)
	if err == nil {
		t.Error("expected context error")
	}
}
