package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sylvanlabs/assistd/internal/assembler"
	"github.com/sylvanlabs/assistd/internal/backend"
	"github.com/sylvanlabs/assistd/internal/embeddings"
	"github.com/sylvanlabs/assistd/internal/ingest"
	"github.com/sylvanlabs/assistd/internal/orchestrator"
	"github.com/sylvanlabs/assistd/internal/retrieval"
	"github.com/sylvanlabs/assistd/internal/search"
	"github.com/sylvanlabs/assistd/internal/session"
	"github.com/sylvanlabs/assistd/internal/vectorstore"
)

// newModelServer streams fixed generation lines.
func newModelServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

type testAPI struct {
	sessions *session.Manager
	base     string
	client   *http.Client
}

func newTestAPI(t *testing.T, modelURL string) *testAPI {
	t.Helper()

	store, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{Path: t.TempDir(), VectorSize: 32}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	embedder := embeddings.NewHashProvider(32)

	ingestSvc, err := ingest.NewService(store, embedder, ingest.Config{}, zap.NewNop(), nil)
	require.NoError(t, err)

	retriever, err := retrieval.NewRetriever(store, embedder, ingestSvc, retrieval.Config{}, zap.NewNop())
	require.NoError(t, err)

	sessions := session.NewManager(session.Config{}, zap.NewNop(), nil)
	chain := backend.NewOllamaBackend("remote", backend.OllamaConfig{BaseURL: modelURL, Timeout: 2 * time.Second}, zap.NewNop())

	orch, err := orchestrator.New(
		sessions,
		retriever,
		search.NewResilient(nil, zap.NewNop()),
		chain,
		nil,
		assembler.New(assembler.Config{}),
		nil,
		orchestrator.Config{},
		zap.NewNop(),
	)
	require.NoError(t, err)

	srv, err := NewServer(sessions, orch, ingestSvc, Config{}, zap.NewNop())
	require.NoError(t, err)

	api := httptest.NewServer(srv.Echo())
	t.Cleanup(api.Close)

	return &testAPI{sessions: sessions, base: api.URL, client: api.Client()}
}

func (a *testAPI) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := a.client.Post(a.base+path, echoJSON, bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

const echoJSON = "application/json"

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (a *testAPI) createSession(t *testing.T, mode string) session.Info {
	t.Helper()
	resp := a.postJSON(t, "/api/v1/sessions", CreateSessionRequest{Mode: mode})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[session.Info](t, resp)
}

func TestServer_Health(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	resp, err := api.client.Get(api.base + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[HealthResponse](t, resp).Status)
}

func TestServer_SessionLifecycle(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	info := api.createSession(t, "rag")
	assert.Equal(t, session.ModeRAG, info.Mode)
	assert.Equal(t, session.StateIdle, info.State)

	resp, err := api.client.Get(api.base + "/api/v1/sessions/" + info.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, info.ID, decode[session.Info](t, resp).ID)

	req, _ := http.NewRequest(http.MethodDelete, api.base+"/api/v1/sessions/"+info.ID, nil)
	resp, err = api.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = api.client.Get(api.base + "/api/v1/sessions/" + info.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_InvalidModeRejected(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	resp := api.postJSON(t, "/api/v1/sessions", CreateSessionRequest{Mode: "warp"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TurnStreamsSSE(t *testing.T) {
	model := newModelServer(t, []string{
		`{"response":"Hi ","done":false}`,
		`{"response":"there","done":false}`,
		`{"done":true}`,
	})
	api := newTestAPI(t, model.URL)

	info := api.createSession(t, "plain")
	resp := api.postJSON(t, "/api/v1/sessions/"+info.ID+"/turns", TurnRequest{Input: "hello"})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var text string
	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event sseEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		if event.Done {
			sawDone = true
			assert.Empty(t, event.Error)
			continue
		}
		text += event.Text
	}
	assert.Equal(t, "Hi there", text)
	assert.True(t, sawDone)

	// The finished turn is in the transcript.
	resp, err := api.client.Get(api.base + "/api/v1/sessions/" + info.ID + "/history")
	require.NoError(t, err)
	history := decode[[]session.Turn](t, resp)
	require.Len(t, history, 2)
	assert.Equal(t, "Hi there", history[1].Content)
}

func TestServer_BusySessionConflicts(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	info := api.createSession(t, "plain")
	require.NoError(t, api.sessions.Begin(info.ID, func() {}))

	resp := api.postJSON(t, "/api/v1/sessions/"+info.ID+"/turns", TurnRequest{Input: "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_CancelWithoutGenerationConflicts(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	info := api.createSession(t, "plain")
	resp := api.postJSON(t, "/api/v1/sessions/"+info.ID+"/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func uploadFile(t *testing.T, api *testAPI, path, filename, content string) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	resp, err := api.client.Post(api.base+path, writer.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func TestServer_DocumentUploadAndList(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")
	info := api.createSession(t, "rag")

	resp := uploadFile(t, api, "/api/v1/sessions/"+info.ID+"/documents", "notes.txt", "resistors limit current")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decode[ingest.Document](t, resp)
	assert.Equal(t, ingest.StatusIndexed, doc.Status)
	assert.Equal(t, 1, doc.ChunkCount)

	resp, err := api.client.Get(api.base + "/api/v1/sessions/" + info.ID + "/documents")
	require.NoError(t, err)
	docs := decode[[]ingest.Document](t, resp)
	require.Len(t, docs, 1)
	assert.Equal(t, "notes.txt", docs[0].ID)

	req, _ := http.NewRequest(http.MethodDelete, api.base+"/api/v1/sessions/"+info.ID+"/documents/notes.txt", nil)
	resp, err = api.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = api.client.Get(api.base + "/api/v1/sessions/" + info.ID + "/documents")
	require.NoError(t, err)
	assert.Empty(t, decode[[]ingest.Document](t, resp))
}

func TestServer_UnsupportedUploadRejected(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")
	info := api.createSession(t, "rag")

	resp := uploadFile(t, api, "/api/v1/sessions/"+info.ID+"/documents", "scan.pdf", "%PDF-1.4")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
}

func TestServer_UploadToUnknownSession(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	resp := uploadFile(t, api, "/api/v1/sessions/nope/documents", "notes.txt", "text")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_SharedDocuments(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	resp := uploadFile(t, api, "/api/v1/documents", "handbook.md", "# Ohm's law")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	doc := decode[ingest.Document](t, resp)
	assert.Equal(t, retrieval.SharedCollection, doc.Collection)

	resp, err := api.client.Get(api.base + "/api/v1/documents")
	require.NoError(t, err)
	docs := decode[[]ingest.Document](t, resp)
	require.Len(t, docs, 1)
}

func TestServer_MetricsExposed(t *testing.T) {
	api := newTestAPI(t, "http://127.0.0.1:1")

	resp, err := api.client.Get(api.base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
