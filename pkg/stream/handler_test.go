package stream

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/conversation"
	"github.com/harunnryd/altiora/pkg/errorsx"
	"github.com/harunnryd/altiora/pkg/metrics"
	"github.com/harunnryd/altiora/pkg/pipeline"
	"github.com/harunnryd/altiora/pkg/pipeline/mock"
	"github.com/harunnryd/altiora/pkg/webhook"
)

type fakeRead struct {
	data []byte
	err  error
}

type sentMessage struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type fakeConn struct {
	in chan fakeRead

	mu        sync.Mutex
	out       []sentMessage
	deadlines []time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan fakeRead)}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	r, ok := <-f.in
	if !ok {
		return nil, os.ErrClosed
	}
	return r.data, r.err
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadlines = append(f.deadlines, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m sentMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, m)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.out))
	copy(out, f.out)
	return out
}

func (f *fakeConn) count(event string) int {
	n := 0
	for _, m := range f.sent() {
		if m.Event == event {
			n++
		}
	}
	return n
}

// push blocks until the handler has read the previous message.
func (f *fakeConn) push(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch v := v.(type) {
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		data = b
	}
	f.pushRead(t, fakeRead{data: data})
}

func (f *fakeConn) pushRead(t *testing.T, r fakeRead) {
	t.Helper()
	select {
	case f.in <- r:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler stopped reading")
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

type stubNotifier struct {
	mu          sync.Mutex
	started     []webhook.CallStarted
	ended       []webhook.CallEnded
	transcripts []webhook.Transcript
}

func (n *stubNotifier) CallStarted(_ context.Context, ev webhook.CallStarted) (string, error) {
	n.mu.Lock()
	n.started = append(n.started, ev)
	n.mu.Unlock()
	return "call-1", nil
}

func (n *stubNotifier) CallEnded(ev webhook.CallEnded) {
	n.mu.Lock()
	n.ended = append(n.ended, ev)
	n.mu.Unlock()
}

func (n *stubNotifier) Transcript(ev webhook.Transcript) {
	n.mu.Lock()
	n.transcripts = append(n.transcripts, ev)
	n.mu.Unlock()
}

func (n *stubNotifier) snapshot() ([]webhook.CallStarted, []webhook.CallEnded, []webhook.Transcript) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webhook.CallStarted(nil), n.started...),
		append([]webhook.CallEnded(nil), n.ended...),
		append([]webhook.Transcript(nil), n.transcripts...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	h        *Handler
	conn     *fakeConn
	clock    *fakeClock
	notifier *stubNotifier
	obs      *metrics.MemoryObserver
	errc     chan error

	mu    sync.Mutex
	sess  *Session
	ended *Session
}

func newHarness(t *testing.T, cfg Config, p pipeline.Pipeline, sleep func(context.Context, time.Duration) error) *harness {
	t.Helper()
	hs := &harness{
		conn:     newFakeConn(),
		clock:    &fakeClock{now: t0},
		notifier: &stubNotifier{},
		obs:      metrics.NewMemoryObserver(),
		errc:     make(chan error, 1),
	}
	hs.h = NewHandler(cfg, p,
		WithNotifier(hs.notifier),
		WithObserver(hs.obs),
		WithClock(hs.clock.Now, sleep),
	)
	hs.h.startHook = func(s *Session) {
		hs.mu.Lock()
		hs.sess = s
		hs.mu.Unlock()
	}
	hs.h.endHook = func(s *Session) {
		hs.mu.Lock()
		hs.ended = s
		hs.mu.Unlock()
	}
	go func() { hs.errc <- hs.h.Handle(context.Background(), hs.conn) }()
	return hs
}

func (hs *harness) session() *Session {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.sess
}

func (hs *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-hs.errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("handler did not return")
		return nil
	}
}

func (hs *harness) start(t *testing.T, params map[string]string) {
	t.Helper()
	hs.conn.push(t, map[string]any{"event": "connected"})
	hs.conn.push(t, map[string]any{
		"event":     "start",
		"streamSid": "MZ1",
		"start": map[string]any{
			"streamSid":        "MZ1",
			"callSid":          "CA1",
			"customParameters": params,
		},
	})
	waitFor(t, "call id", func() bool {
		s := hs.session()
		return s != nil && s.WebhookCallID() == "call-1"
	})
}

// media pushes n frames of 160 mu-law bytes filled with b.
func (hs *harness) media(t *testing.T, n int, b byte) {
	t.Helper()
	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 160))
	for i := 0; i < n; i++ {
		hs.conn.push(t, map[string]any{
			"event": "media",
			"media": map[string]any{"payload": payload},
		})
	}
	// The handler has fully applied every frame once it reads the mark.
	hs.conn.push(t, map[string]any{"event": "mark"})
}

const (
	loud  = 0x00
	quiet = audio.MuLawSilence
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = ""
	cfg.GreetingDelay = 0
	cfg.PollInterval = time.Millisecond
	return cfg
}

func TestHandleEndToEndWithMockPipeline(t *testing.T) {
	sleeper := &recordingSleeper{}
	hs := newHarness(t, testConfig(), mock.New(), sleeper.Sleep)

	hs.start(t, nil)
	hs.media(t, 5, loud)
	hs.media(t, 3, quiet)
	hs.clock.Advance(2 * time.Second)

	tone := mock.Tone(mock.Responses[0])
	frames, err := audio.Chunk(audio.EncodeOutboundFrame(tone.Data, tone.SampleRate), audio.DefaultFrameSize)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	waitFor(t, "reply frames", func() bool { return hs.conn.count(EventMedia) == len(frames) })
	waitFor(t, "turn completed", func() bool { return len(hs.obs.Named(metrics.EventTurnCompleted)) == 1 })

	hs.conn.push(t, map[string]any{"event": "stop"})
	if err := hs.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	total := 0
	for _, m := range hs.conn.sent() {
		if m.StreamSID != "MZ1" {
			t.Fatalf("unexpected stream sid %q", m.StreamSID)
		}
		raw, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		if len(raw) != audio.DefaultFrameSize {
			t.Fatalf("expected %d byte frame, got %d", audio.DefaultFrameSize, len(raw))
		}
		total += len(raw)
	}
	if want := len(frames) * audio.DefaultFrameSize; total != want {
		t.Fatalf("expected %d bytes emitted, got %d", want, total)
	}

	slept := sleeper.durations()
	if len(slept) != len(frames) {
		t.Fatalf("expected one pacing sleep per frame, got %d", len(slept))
	}
	for _, d := range slept {
		if d != 20*time.Millisecond {
			t.Fatalf("expected 20ms pacing, got %v", d)
		}
	}

	conv := hs.ended.Conversation
	if conv.Count(conversation.RoleUser) != 1 || conv.Count(conversation.RoleAssistant) != 1 {
		t.Fatalf("unexpected conversation: %+v", conv.Messages())
	}
	if got := conv.Last().Content; got != mock.Responses[0] {
		t.Fatalf("unexpected assistant turn %q", got)
	}
	if st := hs.ended.Snapshot(); st.Processing || st.Speaking {
		t.Fatalf("flags not reset: %+v", st)
	}

	started, ended, transcripts := hs.notifier.snapshot()
	if len(started) != 1 || started[0].ProviderCallID != "CA1" || started[0].Direction != "inbound" {
		t.Fatalf("unexpected call-started: %+v", started)
	}
	if len(transcripts) != 2 {
		t.Fatalf("expected caller and agent transcripts, got %+v", transcripts)
	}
	if transcripts[0].Speaker != webhook.SpeakerCaller || transcripts[0].Message != mock.Transcript {
		t.Fatalf("unexpected caller transcript: %+v", transcripts[0])
	}
	if transcripts[1].Speaker != webhook.SpeakerAgent || transcripts[1].LatencyMs == nil {
		t.Fatalf("unexpected agent transcript: %+v", transcripts[1])
	}
	if len(ended) != 1 || ended[0].CallID != "call-1" || ended[0].Outcome != webhook.OutcomeCompleted {
		t.Fatalf("unexpected call-ended: %+v", ended)
	}
	if n := len(hs.obs.Named(metrics.EventStageDuration)); n != 3 {
		t.Fatalf("expected 3 stage durations, got %d", n)
	}
}

func TestGreetingOnceUnderDuplicateStart(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Welcome"
	hs := newHarness(t, cfg, mock.New(), (&recordingSleeper{}).Sleep)

	hs.start(t, nil)
	hs.start(t, nil)

	tone := mock.Tone("Welcome")
	frames, _ := audio.Chunk(audio.EncodeOutboundFrame(tone.Data, tone.SampleRate), audio.DefaultFrameSize)
	waitFor(t, "greeting frames", func() bool { return hs.conn.count(EventMedia) == len(frames) })
	waitFor(t, "greeting done", func() bool { return !hs.session().Snapshot().Speaking })

	hs.conn.push(t, map[string]any{"event": "stop"})
	if err := hs.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if got := hs.conn.count(EventMedia); got != len(frames) {
		t.Fatalf("expected one greeting worth of frames, got %d", got)
	}
	conv := hs.ended.Conversation
	if conv.Count(conversation.RoleAssistant) != 1 || conv.Last().Content != "Welcome" {
		t.Fatalf("unexpected conversation: %+v", conv.Messages())
	}
	if started, _, _ := hs.notifier.snapshot(); len(started) != 1 {
		t.Fatalf("expected one call-started, got %d", len(started))
	}
}

func TestStartParametersOverrideDefaults(t *testing.T) {
	hs := newHarness(t, testConfig(), mock.New(), (&recordingSleeper{}).Sleep)
	hs.start(t, map[string]string{
		ParamSystemPrompt: "You%20book%20HVAC%20visits.",
		ParamDirection:    "outbound",
		ParamFrom:         "+14155550123",
		ParamTo:           "+14155550100",
	})
	hs.conn.push(t, map[string]any{"event": "stop"})
	if err := hs.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if got := hs.ended.Conversation.SystemPrompt(); got != "You book HVAC visits." {
		t.Fatalf("unexpected system prompt %q", got)
	}
	started, _, _ := hs.notifier.snapshot()
	if started[0].Direction != "outbound" || started[0].ToNumber != "+14155550100" {
		t.Fatalf("unexpected call-started: %+v", started[0])
	}
	if started[0].FromNumber != "+14155550123" {
		t.Fatalf("caller number lost its plus: %q", started[0].FromNumber)
	}
}

func TestParamDecoding(t *testing.T) {
	params := map[string]string{
		ParamFrom:         " +14155550123 ",
		ParamGreeting:     "Press 1+2 now",
		ParamSystemPrompt: "You%20book+HVAC",
	}
	if got := param(params, ParamFrom); got != "+14155550123" {
		t.Fatalf("from: got %q", got)
	}
	if got := param(params, ParamGreeting); got != "Press 1+2 now" {
		t.Fatalf("greeting: got %q", got)
	}
	if got := encodedParam(params, ParamSystemPrompt); got != "You book+HVAC" {
		t.Fatalf("system prompt: got %q", got)
	}
	params[ParamSystemPrompt] = "100%"
	if got := encodedParam(params, ParamSystemPrompt); got != "100%" {
		t.Fatalf("invalid escape should pass through, got %q", got)
	}
	if got := param(params, "missing"); got != "" {
		t.Fatalf("missing key: got %q", got)
	}
}

// gatedSleeper blocks frame pacing until released.
type gatedSleeper struct {
	release chan struct{}
}

func (g *gatedSleeper) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBargeInSendsClearAndStopsPlayback(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Hello there, thanks for calling."
	gate := &gatedSleeper{release: make(chan struct{})}
	hs := newHarness(t, cfg, mock.New(), gate.Sleep)

	hs.start(t, nil)
	waitFor(t, "first frame", func() bool { return hs.conn.count(EventMedia) == 1 })

	hs.media(t, 1, loud)
	waitFor(t, "clear", func() bool { return hs.conn.count(EventClear) == 1 })
	close(gate.release)
	waitFor(t, "playback stopped", func() bool { return !hs.session().Snapshot().Speaking })

	hs.conn.push(t, map[string]any{"event": "stop"})
	if err := hs.wait(t); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	sent := hs.conn.sent()
	if len(sent) != 2 || sent[0].Event != EventMedia || sent[1].Event != EventClear {
		t.Fatalf("expected media then clear, got %+v", sent)
	}
	if sent[1].StreamSID != "MZ1" {
		t.Fatalf("clear without stream sid: %+v", sent[1])
	}
	if n := len(hs.obs.Named(metrics.EventBargeIn)); n != 1 {
		t.Fatalf("expected one barge_in metric, got %d", n)
	}
	// The interrupting frame opens the caller's turn.
	snap := hs.ended.Snapshot()
	if !snap.SpeechStarted || snap.BufferedBytes != 640 {
		t.Fatalf("barge-in audio discarded: %+v", snap)
	}
}

type emptySTT struct {
	*mock.Pipeline

	text string

	mu       sync.Mutex
	sttCalls int
	genCalls int
}

func (p *emptySTT) SpeechToText(context.Context, audio.PCM) string {
	p.mu.Lock()
	p.sttCalls++
	p.mu.Unlock()
	return p.text
}

func (p *emptySTT) GenerateResponse(ctx context.Context, conv *conversation.State, text string) string {
	p.mu.Lock()
	p.genCalls++
	p.mu.Unlock()
	return p.Pipeline.GenerateResponse(ctx, conv, text)
}

func (p *emptySTT) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sttCalls, p.genCalls
}

func TestNoSpeechTranscriptEndsTurnOnly(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"single letter", " a "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &emptySTT{Pipeline: mock.New(), text: tc.text}
			hs := newHarness(t, testConfig(), p, (&recordingSleeper{}).Sleep)

			hs.start(t, nil)
			hs.media(t, 5, loud)
			hs.clock.Advance(2 * time.Second)
			waitFor(t, "turn aborted", func() bool { return len(hs.obs.Named(metrics.EventTurnAborted)) == 1 })
			waitFor(t, "processing reset", func() bool { return !hs.session().Snapshot().Processing })

			hs.conn.push(t, map[string]any{"event": "stop"})
			if err := hs.wait(t); err != nil {
				t.Fatalf("expected clean stop, got %v", err)
			}
			if stt, gen := p.calls(); stt != 1 || gen != 0 {
				t.Fatalf("expected stt once and no generation, got stt=%d gen=%d", stt, gen)
			}
			if hs.conn.count(EventMedia) != 0 {
				t.Fatalf("expected no audio for an empty transcript")
			}
			if got := hs.ended.Conversation.Len(); got != 1 {
				t.Fatalf("expected only the system prompt, got %d messages", got)
			}
		})
	}
}

func TestIdleTimeoutEndsCall(t *testing.T) {
	hs := newHarness(t, testConfig(), mock.New(), (&recordingSleeper{}).Sleep)
	hs.start(t, nil)
	hs.conn.pushRead(t, fakeRead{err: os.ErrDeadlineExceeded})

	err := hs.wait(t)
	if !errorsx.HasReason(err, errorsx.ReasonTransportTimeout) {
		t.Fatalf("expected timeout reason, got %v", err)
	}
	_, ended, _ := hs.notifier.snapshot()
	if len(ended) != 1 || ended[0].Outcome != webhook.OutcomeTimeout {
		t.Fatalf("unexpected call-ended: %+v", ended)
	}

	hs.conn.mu.Lock()
	first := hs.conn.deadlines[0]
	hs.conn.mu.Unlock()
	if want := t0.Add(60 * time.Second); !first.Equal(want) {
		t.Fatalf("expected read deadline %v, got %v", want, first)
	}
}

func TestMalformedMessageIsProtocolError(t *testing.T) {
	hs := newHarness(t, testConfig(), mock.New(), (&recordingSleeper{}).Sleep)
	hs.media(t, 2, loud)
	hs.start(t, nil)
	if got := hs.session().Snapshot().BufferedBytes; got != 0 {
		t.Fatalf("media before start must be dropped, got %d bytes", got)
	}
	hs.conn.push(t, []byte("{not json"))

	err := hs.wait(t)
	if !errorsx.HasReason(err, errorsx.ReasonTransportProtocol) {
		t.Fatalf("expected protocol reason, got %v", err)
	}
	_, ended, _ := hs.notifier.snapshot()
	if len(ended) != 1 || ended[0].Outcome != webhook.OutcomeProtocolError {
		t.Fatalf("unexpected call-ended: %+v", ended)
	}
}

func TestBadPayloadSkipsFrame(t *testing.T) {
	hs := newHarness(t, testConfig(), mock.New(), (&recordingSleeper{}).Sleep)
	hs.start(t, nil)
	hs.conn.push(t, map[string]any{"event": "media", "media": map[string]any{"payload": "***"}})
	hs.media(t, 1, loud)
	if got := hs.session().Snapshot().BufferedBytes; got != 640 {
		t.Fatalf("expected only the valid frame buffered, got %d", got)
	}
	hs.conn.push(t, map[string]any{"event": "stop"})
	if err := hs.wait(t); err != nil {
		t.Fatalf("bad payload must not end the call: %v", err)
	}
}
