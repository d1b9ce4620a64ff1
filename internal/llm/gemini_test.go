package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"txopito/backend/internal/domain"
)

func newTestClient(baseURL string) *GeminiClient {
	return NewGeminiClient(GeminiConfig{
		BaseURL: baseURL,
		Model:   "gemini-2.0-flash",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func simpleRequest(content string) *domain.GenerationRequest {
	return &domain.GenerationRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: content},
		},
	}
}

func TestGenerate_Success(t *testing.T) {
	var gotPath, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Kaixo, "},{"text":"mundua!"}]}}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	text, err := client.Generate(context.Background(), "test-key", simpleRequest("agur"))

	assert.NoError(t, err)
	assert.Equal(t, "Kaixo, mundua!", text)
	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
}

func TestGenerate_NormalizesUnknownRoles(t *testing.T) {
	var body geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`)
	}))
	defer server.Close()

	req := &domain.GenerationRequest{
		Messages: []domain.ChatMessage{
			{Role: "assistant", Content: "hola"},
			{Role: domain.RoleModel, Content: "reply"},
		},
		SystemInstruction: "be terse",
	}

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "k", req)

	assert.NoError(t, err)
	if assert.Len(t, body.Contents, 2) {
		assert.Equal(t, "user", body.Contents[0].Role)
		assert.Equal(t, "model", body.Contents[1].Role)
	}
	if assert.NotNil(t, body.SystemInstruction) {
		assert.Equal(t, "be terse", body.SystemInstruction.Parts[0].Text)
	}
}

func TestGenerate_AuthError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "bad-key", simpleRequest("hi"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed (403)")
	assert.Contains(t, err.Error(), "PERMISSION_DENIED: API key not valid")
}

func TestGenerate_RateLimitError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"Resource has been exhausted","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "k", simpleRequest("hi"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit exceeded (429)")
}

func TestGenerate_SafetyBlock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"promptFeedback":{"blockReason":"SAFETY"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "k", simpleRequest("hi"))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "blocked by safety policy: SAFETY")
}

func TestGenerate_EmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Generate(context.Background(), "k", simpleRequest("hi"))

	assert.True(t, errors.Is(err, ErrEmptyCompletion))
}

func TestGenerateStream_AccumulatesChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.0-flash:streamGenerateContent", r.URL.Path)
		assert.Equal(t, "sse", r.URL.Query().Get("alt"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Bat \"}]}}]}\n\n")
		fmt.Fprint(w, ": heartbeat comment, not data\n\n")
		fmt.Fprint(w, "data: not-json-should-be-skipped\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"bi \"},{\"text\":\"hiru\"}]}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	var chunks []string
	client := newTestClient(server.URL)
	text, err := client.GenerateStream(context.Background(), "k", simpleRequest("count"), func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "Bat bi hiru", text)
	assert.Equal(t, []string{"Bat ", "bi ", "hiru"}, chunks)
}

func TestGenerateStream_MidStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"partial\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"code\":500,\"message\":\"internal failure\"}}\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	text, err := client.GenerateStream(context.Background(), "k", simpleRequest("hi"), nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "API error: internal failure")
	assert.Equal(t, "partial", text)
}

func TestGenerateStream_SinkErrorStopsStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"one\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"two\"}]}}]}\n\n")
	}))
	defer server.Close()

	sinkErr := errors.New("client went away")
	client := newTestClient(server.URL)
	_, err := client.GenerateStream(context.Background(), "k", simpleRequest("hi"), func(string) error {
		return sinkErr
	})

	assert.True(t, errors.Is(err, sinkErr))
}

func TestGenerateStream_HTTPErrorBeforeStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"code":401,"message":"expired credential"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.GenerateStream(context.Background(), "k", simpleRequest("hi"), nil)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed (401)")
}

func TestGenerateStream_EmptyStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.GenerateStream(context.Background(), "k", simpleRequest("hi"), nil)

	assert.True(t, errors.Is(err, ErrEmptyCompletion))
}

func TestCheckKey(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"健康密钥", http.StatusOK, `{"models":[]}`, ""},
		{"认证失败", http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid"}}`, "authentication failed"},
		{"配额耗尽", http.StatusTooManyRequests, `{"error":{"code":429,"message":"quota"}}`, "rate limit exceeded (429)"},
		{"其余错误", http.StatusServiceUnavailable, `upstream down`, "API request failed with status 503"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/models", r.URL.Path)
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			client := newTestClient(server.URL)
			err := client.CheckKey(context.Background(), "k")

			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
