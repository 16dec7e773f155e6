package ttsproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/companion/pkg/synth"
	"github.com/harunnryd/companion/pkg/synth/mock"
)

func proxy(t *testing.T, cfg mock.Config) (*httptest.Server, *mock.Backend) {
	t.Helper()
	backend := mock.New(cfg)
	srv := httptest.NewServer(Routes(synth.NewRelay(backend, synth.Options{}), "", nil))
	t.Cleanup(srv.Close)
	return srv, backend
}

func post(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+DefaultPath, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func errorOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Error
}

func TestMissingTextIsRejected(t *testing.T) {
	srv, backend := proxy(t, mock.Config{})
	for _, body := range []string{`{}`, `{"text":""}`, `not json`} {
		resp := post(t, srv, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
		if msg := errorOf(t, resp); msg != "Text is required" {
			t.Fatalf("%s: unexpected error %q", body, msg)
		}
	}
	if backend.Calls() != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestUpstreamStatusIsForwarded(t *testing.T) {
	srv, _ := proxy(t, mock.Config{Status: http.StatusServiceUnavailable, Body: "overloaded"})
	resp := post(t, srv, `{"text":"hello"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(raw) != `{"error":"overloaded"}` {
		t.Fatalf("unexpected body %q", raw)
	}
}

func TestAudioIsStreamed(t *testing.T) {
	chunks := [][]byte{[]byte("ID3"), []byte("frame-1"), []byte("frame-2")}
	srv, backend := proxy(t, mock.Config{Chunks: chunks})
	resp := post(t, srv, `{"text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("unexpected content type %q", ct)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, bytes.Join(chunks, nil)) {
		t.Fatalf("unexpected body %q", got)
	}
	if reqs := backend.Requests(); len(reqs) != 1 || reqs[0].Text != "hello" {
		t.Fatalf("unexpected backend requests %+v", reqs)
	}
}

func TestFirstChunkArrivesBeforeStreamEnds(t *testing.T) {
	srv, _ := proxy(t, mock.Config{Chunks: [][]byte{[]byte("a")}, Hang: true})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+DefaultPath, strings.NewReader(`{"text":"hi"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(resp.Body, buf); err != nil || buf[0] != 'a' {
		t.Fatalf("expected first chunk while upstream is still open, got %q %v", buf, err)
	}
}

func TestAbortedStreamTruncatesResponse(t *testing.T) {
	srv, _ := proxy(t, mock.Config{Chunks: [][]byte{[]byte("a"), []byte("b"), []byte("c")}, FailAfter: 1})
	resp := post(t, srv, `{"text":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 headers, got %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Fatalf("expected a truncated body")
	}
}

func TestHealthAndMethod(t *testing.T) {
	srv, _ := proxy(t, mock.Config{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %v %v", resp, err)
	}
	resp.Body.Close()
	resp, err = http.Get(srv.URL + DefaultPath)
	if err != nil || resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405: %v %v", resp, err)
	}
	resp.Body.Close()
}

func TestServerServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewServer(synth.NewRelay(mock.New(mock.Config{}), synth.Options{}), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
