package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-assistant/src/config"
	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/runtime"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
)

func newTestServer(t *testing.T, opts ...runtime.Option) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Stream.ChunkDelay = 0
	opts = append([]runtime.Option{runtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	rt, err := runtime.FromConfig(context.Background(), cfg, opts...)
	require.NoError(t, err)
	srv := httptest.NewServer(newRouter(rt))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Close(ctx)
	})
	return srv
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAskEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv.URL+"/v1/ask", `{"session_id":"s1","query":"hello there"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env coordinator.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, "Dummy response: hello there", env.ResponseText)
	assert.Contains(t, env.StagesInvoked, coordinator.StageWriter)
}

func TestAskEndpointRejectsBadInput(t *testing.T) {
	srv := newTestServer(t)

	resp := post(t, srv.URL+"/v1/ask", `{"query":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, stream.CodeInvalidRequest, body.Code)

	resp = post(t, srv.URL+"/v1/ask", `{"query":"hi","unknown":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/ask", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv.URL+"/v1/stream", `{"session_id":"s2","query":"tell me something"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var (
		lines    []string
		text     bytes.Buffer
		gotFinal bool
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		lines = append(lines, line)
		if line == stream.DoneSentinel {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		switch ev.Type {
		case stream.EventPartial:
			text.WriteString(ev.Content)
		case stream.EventFinal:
			gotFinal = true
			require.NotNil(t, ev.Envelope)
			assert.Equal(t, ev.Envelope.ResponseText, text.String())
		}
	}
	require.NoError(t, sc.Err())
	require.NotEmpty(t, lines)
	assert.True(t, gotFinal)
	assert.Equal(t, stream.DoneSentinel, lines[len(lines)-1])
}

func TestStreamEndpointEmptyQuery(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv.URL+"/v1/stream", `{"query":"  "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var last stream.Event
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, stream.CodeInvalidRequest, last.Code)
}

func TestPrintEvents(t *testing.T) {
	ch := make(chan stream.Event, 4)
	ch <- stream.Event{Type: stream.EventStatus, Message: "Thinking"}
	ch <- stream.Event{Type: stream.EventPartial, Content: "hel"}
	ch <- stream.Event{Type: stream.EventPartial, Content: "lo"}
	ch <- stream.Event{Type: stream.EventFinal, Envelope: &coordinator.Envelope{ResponseText: "hello"}}
	close(ch)

	var out, diag bytes.Buffer
	require.NoError(t, printEvents(&out, &diag, ch))
	assert.Equal(t, "hello\n", out.String())
	assert.Equal(t, "[Thinking]\n", diag.String())

	ch = make(chan stream.Event, 1)
	ch <- stream.Event{Type: stream.EventError, Code: stream.CodeGeneration, Error: "boom"}
	close(ch)
	assert.EqualError(t, printEvents(&out, &diag, ch), "generation_failed: boom")
}

type fileRecorder struct {
	mu    sync.Mutex
	files []models.File
}

func (g *fileRecorder) Complete(_ context.Context, req models.Request) (models.Completion, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(req.Files) > 0 {
		g.files = req.Files
	}
	return models.Completion{Text: "seen"}, nil
}

func (g *fileRecorder) seen() []models.File {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.files
}

func TestEndpointsForwardFiles(t *testing.T) {
	// "bm90ZXM=" is "notes", "iVBORw==" the first bytes of a PNG.
	body := `{"query":"what is in these?","files":[` +
		`{"name":"notes.txt","mime":"text/plain","data":"bm90ZXM="},` +
		`{"name":"pic.png","data":"iVBORw=="}]}`

	for _, path := range []string{"/v1/ask", "/v1/stream"} {
		t.Run(path, func(t *testing.T) {
			gen := &fileRecorder{}
			srv := newTestServer(t, runtime.WithGenerator(gen))
			resp := post(t, srv.URL+path, body)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			_, _ = io.Copy(io.Discard, resp.Body)

			files := gen.seen()
			require.Len(t, files, 2)
			assert.Equal(t, "notes.txt", files[0].Name)
			assert.Equal(t, "text/plain", files[0].MIME)
			assert.Equal(t, []byte("notes"), files[0].Data)
			assert.Equal(t, "pic.png", files[1].Name)
			assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, files[1].Data)
		})
	}
}

func TestAskEndpointRejectsBadFileData(t *testing.T) {
	srv := newTestServer(t)
	resp := post(t, srv.URL+"/v1/ask", `{"query":"hi","files":[{"name":"a.txt","data":"not base64!"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "notes.md")
	raw := filepath.Join(dir, "blob")
	require.NoError(t, os.WriteFile(md, []byte("# title"), 0o600))
	require.NoError(t, os.WriteFile(raw, []byte("plain words"), 0o600))

	files, err := readFiles([]string{md, raw})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "notes.md", files[0].Name)
	assert.Equal(t, []byte("# title"), files[0].Data)
	assert.NotEmpty(t, files[0].MIME)
	assert.Equal(t, "blob", files[1].Name)
	assert.Equal(t, "text/plain; charset=utf-8", files[1].MIME)

	_, err = readFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
