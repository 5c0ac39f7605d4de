package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/nvkh/llmbridge/internal/config"
)

// newGeminiTestServer wires the gateway to a stub upstream that answers one
// SSE-framed generateContent stream.
func newGeminiTestServer(t *testing.T) *Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":1,"candidatesTokenCount":2}}` + "\n\n"))
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Listen: "127.0.0.1:0",
		Backends: map[string]config.Backend{
			"stub": {Protocol: config.ProtocolGemini, BaseURL: upstream.URL},
		},
	}
	return NewServer(cfg)
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's Stream helper
// requires, which httptest.ResponseRecorder does not implement.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

func TestGeminiStreamFramingSelection(t *testing.T) {
	s := newGeminiTestServer(t)
	const body = `{"contents":[{"role":"user","parts":[{"text":"hello"}]}]}`

	// Default framing is one JSON array of records.
	rec := newCloseNotifyRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-x:streamGenerateContent", strings.NewReader(body))
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("default framing content type = %q", ct)
	}
	out := strings.TrimSpace(rec.Body.String())
	if !strings.HasPrefix(out, "[") || !strings.HasSuffix(out, "]") || !gjson.Valid(out) {
		t.Fatalf("default framing must be a JSON array:\n%s", out)
	}
	if !strings.Contains(out, `"text":"hi"`) {
		t.Fatalf("array stream lost the content:\n%s", out)
	}

	// alt=sse switches to SSE records.
	rec = newCloseNotifyRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-x:streamGenerateContent?alt=sse", strings.NewReader(body))
	s.engine.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("alt=sse content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "data: ") {
		t.Fatalf("alt=sse body must carry SSE records:\n%s", rec.Body.String())
	}
}
