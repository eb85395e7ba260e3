package live

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/llm"
	"github.com/harunnryd/altiora/pkg/resilience"
)

type stubSTT struct {
	text  string
	err   error
	calls int
}

func (s *stubSTT) Name() string { return "stub_stt" }
func (s *stubSTT) Transcribe(ctx context.Context, pcm audio.PCM) (string, error) {
	s.calls++
	return s.text, s.err
}

type stubLLM struct {
	reply string
	err   error
	seen  []conversation.Message
	calls int
}

func (s *stubLLM) Name() string { return "stub_llm" }
func (s *stubLLM) Generate(ctx context.Context, messages []conversation.Message) (llm.Response, error) {
	s.calls++
	s.seen = messages
	return llm.Response{Text: s.reply}, s.err
}

type stubTTS struct {
	pcm   audio.PCM
	err   error
	calls int
}

func (s *stubTTS) Name() string { return "stub_tts" }
func (s *stubTTS) Synthesize(ctx context.Context, text string) (audio.PCM, error) {
	s.calls++
	return s.pcm, s.err
}

func newPipeline(t *testing.T, s *stubSTT, l *stubLLM, v *stubTTS) *Pipeline {
	t.Helper()
	p, err := New(Options{
		STT:              s,
		LLM:              l,
		TTS:              v,
		Retry:            resilience.NewRetryPolicy(1, time.Millisecond),
		BreakerThreshold: 2,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return p
}

var speech = audio.PCM{Data: make([]byte, 3200), SampleRate: 16000}

func TestSpeechToTextFailureReturnsEmpty(t *testing.T) {
	s := &stubSTT{err: errors.New("connection reset")}
	p := newPipeline(t, s, &stubLLM{}, &stubTTS{})
	if got := p.SpeechToText(context.Background(), speech); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
	if s.calls != 2 {
		t.Fatalf("expected one retry, got %d calls", s.calls)
	}
}

func TestSpeechToTextTrims(t *testing.T) {
	p := newPipeline(t, &stubSTT{text: "  hello \n"}, &stubLLM{}, &stubTTS{})
	if got := p.SpeechToText(context.Background(), speech); got != "hello" {
		t.Fatalf("unexpected transcript %q", got)
	}
}

func TestGenerateResponseAppendsTurns(t *testing.T) {
	l := &stubLLM{reply: "Sure, I can help."}
	p := newPipeline(t, &stubSTT{}, l, &stubTTS{})
	conv := conversation.NewState("sys")
	got := p.GenerateResponse(context.Background(), conv, "my sink leaks")
	if got != "Sure, I can help." {
		t.Fatalf("unexpected reply %q", got)
	}
	if len(l.seen) != 2 || l.seen[1].Content != "my sink leaks" {
		t.Fatalf("expected user turn sent to model, got %+v", l.seen)
	}
	msgs := conv.Messages()
	if len(msgs) != 3 || msgs[2] != (conversation.Message{Role: conversation.RoleAssistant, Content: got}) {
		t.Fatalf("unexpected conversation %+v", msgs)
	}
}

func TestGenerateResponseFailureKeepsUserTurnOnly(t *testing.T) {
	p := newPipeline(t, &stubSTT{}, &stubLLM{err: errors.New("boom")}, &stubTTS{})
	conv := conversation.NewState("sys")
	if got := p.GenerateResponse(context.Background(), conv, "hello"); got != FallbackReply {
		t.Fatalf("expected fallback, got %q", got)
	}
	msgs := conv.Messages()
	if len(msgs) != 2 || msgs[1].Role != conversation.RoleUser {
		t.Fatalf("expected only the user turn appended, got %+v", msgs)
	}
}

func TestGenerateResponseEmptyReply(t *testing.T) {
	p := newPipeline(t, &stubSTT{}, &stubLLM{reply: "  "}, &stubTTS{})
	conv := conversation.NewState("sys")
	if got := p.GenerateResponse(context.Background(), conv, "hello"); got != EmptyReply {
		t.Fatalf("expected empty reply substitute, got %q", got)
	}
	if conv.Last().Content != EmptyReply {
		t.Fatalf("expected substitute recorded as assistant turn")
	}
}

func TestTextToSpeechFailureReturnsEmpty(t *testing.T) {
	v := &stubTTS{err: resilience.RateLimitError{Provider: "stub"}}
	p := newPipeline(t, &stubSTT{}, &stubLLM{}, v)
	if pcm := p.TextToSpeech(context.Background(), "hello"); !pcm.Empty() {
		t.Fatalf("expected empty audio")
	}
	if v.calls != 1 {
		t.Fatalf("rate limits are not retried, got %d calls", v.calls)
	}
	p.TextToSpeech(context.Background(), "hello")
	if pcm := p.TextToSpeech(context.Background(), "hello"); !pcm.Empty() || v.calls != 2 {
		t.Fatalf("expected open circuit to skip the vendor, got %d calls", v.calls)
	}
}

func TestTextToSpeechSuccess(t *testing.T) {
	want := audio.PCM{Data: make([]byte, 480), SampleRate: 24000}
	p := newPipeline(t, &stubSTT{}, &stubLLM{}, &stubTTS{pcm: want})
	got := p.TextToSpeech(context.Background(), "hi there")
	if got.SampleRate != 24000 || len(got.Data) != 480 {
		t.Fatalf("unexpected audio %+v", got)
	}
	if pcm := p.TextToSpeech(context.Background(), " "); !pcm.Empty() {
		t.Fatalf("blank text must yield no audio")
	}
}

func TestNewRequiresAdapters(t *testing.T) {
	if _, err := New(Options{STT: &stubSTT{}}); err == nil {
		t.Fatalf("expected error for missing adapters")
	}
}
