package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/resilience"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}
}

func TestWhisperUploadsWAV(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Errorf("missing file part: %v", err)
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(file)
		if _, rate, err := audio.UnwrapWAV(body); err != nil || rate != 16000 {
			t.Errorf("expected 16kHz wav upload, got rate %d err %v", rate, err)
		}
		if r.FormValue("language") != "en" {
			t.Errorf("expected language en, got %q", r.FormValue("language"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"text": "  I need a plumber  "})
	})
	text, err := NewWhisperSTT(cfg).Transcribe(context.Background(), audio.PCM{Data: make([]byte, 3200), SampleRate: 16000})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "I need a plumber" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestWhisperSkipsEmptyAudio(t *testing.T) {
	called := false
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	text, err := NewWhisperSTT(cfg).Transcribe(context.Background(), audio.PCM{SampleRate: 16000})
	if err != nil || text != "" || called {
		t.Fatalf("expected no request for empty audio (text=%q err=%v called=%v)", text, err, called)
	}
}

func TestChatSendsConversation(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model     string `json:"model"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.MaxTokens != 150 || len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "Sure, when?"},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13},
		})
	})
	conv := conversation.NewState("be brief")
	conv.AddUser("book a visit")
	resp, err := NewChatLLM(cfg).Generate(context.Background(), conv.Messages())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Sure, when?" || resp.Usage.TotalTokens != 13 || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestChatRateLimitMapped(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	})
	_, err := NewChatLLM(cfg).Generate(context.Background(), conversation.NewState("sys").Messages())
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestSpeechReturnsRawPCM(t *testing.T) {
	cfg := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"response_format":"pcm"`) {
			t.Errorf("expected pcm format in %s", body)
		}
		_, _ = w.Write(make([]byte, 4800))
	})
	pcm, err := NewSpeechTTS(cfg).Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if pcm.SampleRate != 24000 || len(pcm.Data) != 4800 {
		t.Fatalf("unexpected pcm %d bytes @%d", len(pcm.Data), pcm.SampleRate)
	}
}

func TestParseConfigRequiresKey(t *testing.T) {
	if _, err := ParseConfig(map[string]any{"model": "whisper-1"}); err == nil {
		t.Fatalf("expected missing api_key error")
	}
	cfg, err := ParseConfig(map[string]any{"api_key": "k", "temperature": "0.4", "timeout": "5s"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Temperature != 0.4 || cfg.Timeout.Seconds() != 5 {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
