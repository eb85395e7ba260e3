// Package stream drives one live call: it reads the media stream, detects
// end of utterance, runs the speech pipeline and paces the reply back to the
// caller.
package stream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harunnryd/altiora/pkg/audio"
	"github.com/harunnryd/altiora/pkg/errorsx"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/metrics"
	"github.com/harunnryd/altiora/pkg/pipeline"
	"github.com/harunnryd/altiora/pkg/redact"
	"github.com/harunnryd/altiora/pkg/webhook"
)

const (
	DefaultGreeting     = "Hello! Thanks for calling. How can I help you today?"
	DefaultSystemPrompt = "You are a friendly phone assistant. Keep answers short and conversational."
)

type Config struct {
	FrameSize     int
	Thresholds    Thresholds
	EnergyWindow  int
	PollInterval  time.Duration
	IdleTimeout   time.Duration
	GreetingDelay time.Duration
	SystemPrompt  string
	// Greeting is spoken once per call. Empty disables it unless the start
	// event supplies one.
	Greeting   string
	BusinessID string
	AgentID    string
	// WebhookTimeout bounds the call-started request.
	WebhookTimeout time.Duration
}

// DefaultConfig returns the production timing for a PSTN call.
func DefaultConfig() Config {
	return Config{
		FrameSize:      audio.DefaultFrameSize,
		Thresholds:     DefaultThresholds(),
		EnergyWindow:   640,
		PollInterval:   100 * time.Millisecond,
		IdleTimeout:    60 * time.Second,
		GreetingDelay:  500 * time.Millisecond,
		SystemPrompt:   DefaultSystemPrompt,
		Greeting:       DefaultGreeting,
		WebhookTimeout: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FrameSize <= 0 {
		c.FrameSize = def.FrameSize
	}
	if c.Thresholds.Silence <= 0 {
		c.Thresholds.Silence = def.Thresholds.Silence
	}
	if c.Thresholds.MinBufferedBytes <= 0 {
		c.Thresholds.MinBufferedBytes = def.Thresholds.MinBufferedBytes
	}
	if c.Thresholds.SpeechEnergy <= 0 {
		c.Thresholds.SpeechEnergy = def.Thresholds.SpeechEnergy
	}
	if c.EnergyWindow <= 0 {
		c.EnergyWindow = def.EnergyWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.GreetingDelay < 0 {
		c.GreetingDelay = 0
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = def.SystemPrompt
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = def.WebhookTimeout
	}
	return c
}

// Handler is shared by every connection; all per-call state lives in the
// call value built by Handle.
type Handler struct {
	cfg      Config
	pipeline pipeline.Pipeline
	notifier webhook.Notifier
	obs      metrics.Observer
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	startHook func(*Session)
	endHook   func(*Session)
}

type Option func(*Handler)

func WithNotifier(n webhook.Notifier) Option {
	return func(h *Handler) {
		if n != nil {
			h.notifier = n
		}
	}
}

func WithObserver(o metrics.Observer) Option {
	return func(h *Handler) { h.obs = metrics.Or(o) }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = logging.NewComponentLogger(l, "stream") }
}

// WithClock replaces the wall clock and the pacing sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
		if sleep != nil {
			h.sleep = sleep
		}
	}
}

func NewHandler(cfg Config, p pipeline.Pipeline, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg.withDefaults(),
		pipeline: p,
		notifier: webhook.Nop{},
		obs:      metrics.NoopObserver{},
		log:      logging.NewComponentLogger(nil, "stream"),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// call is the per-connection state owned by Handle.
type call struct {
	conn    Conn
	sess    *Session
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	greet   string
	log     *slog.Logger
	outcome string
}

// Handle serves one connection until stop, idle timeout, read failure or a
// malformed message. It returns nil on a clean stop. Every goroutine started
// for the call has exited when Handle returns.
func (h *Handler) Handle(ctx context.Context, conn Conn) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &call{conn: conn, ctx: ctx, cancel: cancel, log: h.log}
	defer func() { h.teardown(c, err) }()
	// Unblocks ReadMessage when the server drains.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	h.log.Info("stream_connection_open")
	for {
		if err := conn.SetReadDeadline(h.now().Add(h.cfg.IdleTimeout)); err != nil {
			c.outcome = webhook.OutcomeDisconnected
			return errorsx.Wrap(err, errorsx.ReasonTransportRead)
		}
		data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.outcome = webhook.OutcomeTimeout
				return errorsx.Wrap(err, errorsx.ReasonTransportTimeout)
			}
			c.outcome = webhook.OutcomeDisconnected
			return errorsx.Wrap(err, errorsx.ReasonTransportRead)
		}

		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.outcome = webhook.OutcomeProtocolError
			return errorsx.Errorf(errorsx.ReasonTransportProtocol, "decode event: %w", err)
		}

		switch ev.Event {
		case EventConnected:
			h.log.Debug("stream_connected")
		case EventStart:
			if ev.Start == nil {
				c.outcome = webhook.OutcomeProtocolError
				return errorsx.New(errorsx.ReasonTransportProtocol, "start event without payload")
			}
			h.onStart(c, ev.Start)
		case EventMedia:
			h.onMedia(c, ev.Media)
		case EventStop:
			c.outcome = webhook.OutcomeCompleted
			c.log.Info("stream_stopped")
			return nil
		case EventMark:
		default:
			c.log.Debug("stream_unknown_event", "event", ev.Event)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (h *Handler) onStart(c *call, start *startPayload) {
	if c.sess != nil {
		c.log.Warn("stream_duplicate_start", "stream_sid", start.StreamSID)
		return
	}
	params := start.CustomParameters
	prompt := h.cfg.SystemPrompt
	if v := encodedParam(params, ParamSystemPrompt); v != "" {
		prompt = v
	}
	c.greet = h.cfg.Greeting
	if v := param(params, ParamGreeting); v != "" {
		c.greet = v
	}

	sess := NewSession(start.StreamSID, start.CallSID, uuid.NewString(), prompt, h.cfg.Thresholds, h.now())
	c.sess = sess
	c.log = h.log.With("stream_sid", sess.StreamID, "call_sid", sess.CallID, "trace_id", sess.TraceID)
	c.log.Info("stream_started")
	if h.startHook != nil {
		h.startHook(sess)
	}
	h.obs.RecordEvent(metrics.Count(metrics.EventCallStarted, sess.StreamID))

	ev := webhook.CallStarted{
		BusinessID:     firstNonEmpty(param(params, ParamBusinessID), h.cfg.BusinessID),
		AgentID:        firstNonEmpty(param(params, ParamAgentID), h.cfg.AgentID),
		Direction:      firstNonEmpty(param(params, ParamDirection), "inbound"),
		FromNumber:     param(params, ParamFrom),
		ToNumber:       param(params, ParamTo),
		ProviderCallID: sess.CallID,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Not tied to the call context so a short call still gets an id for
		// its call-ended event.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), h.cfg.WebhookTimeout)
		defer cancel()
		id, err := h.notifier.CallStarted(ctx, ev)
		if err != nil || id == "" {
			return
		}
		sess.SetWebhookCallID(id)
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		h.watch(c)
	}()

	if c.greet != "" && sess.MarkGreeting() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			h.greet(c)
		}()
	}
}

// param reads a custom parameter verbatim. Numbers arrive in E.164 form
// and keep their leading plus.
func param(params map[string]string, key string) string {
	return strings.TrimSpace(params[key])
}

// encodedParam reads a percent-encoded parameter. A literal plus is kept.
func encodedParam(params map[string]string, key string) string {
	v := param(params, key)
	if dec, err := url.PathUnescape(v); err == nil {
		return strings.TrimSpace(dec)
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (h *Handler) onMedia(c *call, media *mediaPayload) {
	if c.sess == nil || media == nil {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		c.log.Debug("stream_frame_skipped",
			"reason_code", errorsx.ReasonCodecPayload,
			"error", err)
		return
	}
	pcm8 := audio.DecodeMuLaw(payload)
	energy := audio.Energy(pcm8, h.cfg.EnergyWindow)
	pcm16 := audio.Resample(pcm8, audio.TelephonyRate, audio.RecognizerRate)

	if !c.sess.HandleFrame(pcm16, energy, h.now()) {
		return
	}
	c.log.Info("barge_in", "energy", energy)
	h.obs.RecordEvent(metrics.Count(metrics.EventBargeIn, c.sess.StreamID))
	if err := c.conn.WriteJSON(outboundClear{Event: EventClear, StreamSID: c.sess.StreamID}); err != nil {
		c.log.Warn("stream_clear_failed",
			"reason_code", errorsx.ReasonTransportSend,
			"error", err)
	}
}

// watch polls the session for end of utterance and hands the buffered audio
// to a processing goroutine. It never blocks on pipeline work.
func (h *Handler) watch(c *call) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		snapshot, ok := c.sess.TryBeginProcessing(h.now())
		if !ok {
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			h.process(c, snapshot)
		}()
	}
}

// process runs one turn. Any failure ends the turn, never the call.
func (h *Handler) process(c *call, pcm16 []byte) {
	sess := c.sess
	defer sess.EndProcessing()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("stream_processing_panic", "panic", r)
			h.obs.RecordEvent(metrics.Count(metrics.EventTurnAborted, sess.StreamID))
		}
	}()

	ctx := c.ctx
	c.log.Debug("stream_turn_begin", "bytes", len(pcm16))

	start := h.now()
	text := h.pipeline.SpeechToText(ctx, audio.PCM{Data: pcm16, SampleRate: audio.RecognizerRate})
	sttDur := h.now().Sub(start)
	h.obs.RecordEvent(metrics.StageDuration(metrics.StageSTT, sess.StreamID, sttDur))

	if ctx.Err() != nil {
		return
	}
	if !pipeline.IsSpeech(text) {
		c.log.Info("pipeline_stt_empty")
		h.obs.RecordEvent(metrics.Count(metrics.EventTurnAborted, sess.StreamID))
		return
	}
	c.log.Info("stream_caller_said", "text", redact.Text(text))
	h.transcript(sess, webhook.SpeakerCaller, text, nil)

	start = h.now()
	reply := h.pipeline.GenerateResponse(ctx, sess.Conversation, text)
	llmDur := h.now().Sub(start)
	h.obs.RecordEvent(metrics.StageDuration(metrics.StageLLM, sess.StreamID, llmDur))

	start = h.now()
	pcm := h.pipeline.TextToSpeech(ctx, reply)
	ttsDur := h.now().Sub(start)
	h.obs.RecordEvent(metrics.StageDuration(metrics.StageTTS, sess.StreamID, ttsDur))

	h.transcript(sess, webhook.SpeakerAgent, reply, &webhook.Latency{
		STT: sttDur.Milliseconds(),
		LLM: llmDur.Milliseconds(),
		TTS: ttsDur.Milliseconds(),
	})

	if pcm.Empty() {
		c.log.Warn("pipeline_tts_empty")
		h.obs.RecordEvent(metrics.Count(metrics.EventTurnAborted, sess.StreamID))
		return
	}
	sent, interrupted := h.speak(c, pcm)
	c.log.Info("stream_turn_done",
		"frames", sent,
		"interrupted", interrupted,
		"stt_ms", sttDur.Milliseconds(),
		"llm_ms", llmDur.Milliseconds(),
		"tts_ms", ttsDur.Milliseconds())
	h.obs.RecordEvent(metrics.Count(metrics.EventTurnCompleted, sess.StreamID))
}

func (h *Handler) transcript(sess *Session, speaker, text string, lat *webhook.Latency) {
	id := sess.WebhookCallID()
	if id == "" {
		return
	}
	h.notifier.Transcript(webhook.Transcript{
		CallID:    id,
		Speaker:   speaker,
		Message:   text,
		Timestamp: h.now().UTC(),
		LatencyMs: lat,
	})
}

// speak emits pcm as paced media frames. It stops early on barge-in, call
// termination or a send failure.
func (h *Handler) speak(c *call, pcm audio.PCM) (sent int, interrupted bool) {
	sess := c.sess
	gen, ok := sess.BeginSpeaking()
	if !ok {
		c.log.Warn("stream_speak_busy")
		return 0, false
	}
	defer sess.EndSpeaking(gen)

	frames, err := audio.Chunk(audio.EncodeOutboundFrame(pcm.Data, pcm.SampleRate), h.cfg.FrameSize)
	if err != nil {
		c.log.Error("stream_chunk_failed", "error", err)
		return 0, false
	}
	pace := audio.FrameDuration(h.cfg.FrameSize)

	for _, frame := range frames {
		if c.ctx.Err() != nil {
			return sent, true
		}
		msg := outboundMedia{
			Event:     EventMedia,
			StreamSID: sess.StreamID,
			Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(frame)},
		}
		var sendErr error
		if !sess.WhileSpeaking(gen, func() { sendErr = c.conn.WriteJSON(msg) }) {
			c.log.Info("stream_playback_interrupted", "frames", sent)
			return sent, true
		}
		if sendErr != nil {
			c.log.Warn("stream_send_failed",
				"reason_code", errorsx.ReasonTransportSend,
				"error", sendErr)
			return sent, true
		}
		sent++
		if err := h.sleep(c.ctx, pace); err != nil {
			return sent, true
		}
	}
	return sent, false
}

func (h *Handler) greet(c *call) {
	if h.cfg.GreetingDelay > 0 {
		if err := h.sleep(c.ctx, h.cfg.GreetingDelay); err != nil {
			return
		}
	}
	sess := c.sess
	c.log.Info("stream_greeting", "text", c.greet)
	sess.Conversation.AddAssistant(c.greet)
	h.transcript(sess, webhook.SpeakerAgent, c.greet, nil)

	pcm := h.pipeline.TextToSpeech(c.ctx, c.greet)
	if pcm.Empty() {
		c.log.Warn("pipeline_tts_empty", "greeting", true)
		return
	}
	// Inbound audio heard during the greeting is echo, unless the caller
	// barged in, in which case it is their first utterance.
	if _, interrupted := h.speak(c, pcm); !interrupted {
		sess.ResetInbound()
	}
}

func (h *Handler) teardown(c *call, err error) {
	c.cancel()
	c.wg.Wait()

	if c.outcome == "" {
		c.outcome = webhook.OutcomeDisconnected
	}
	if c.sess == nil {
		h.log.Info("stream_connection_closed", "outcome", c.outcome)
		return
	}
	sess := c.sess
	duration := h.now().Sub(sess.StartedAt)
	if err != nil {
		c.log.Warn("stream_ended",
			"outcome", c.outcome,
			"reason_code", errorsx.Reason(err),
			"duration", duration,
			"error", err)
	} else {
		c.log.Info("stream_ended", "outcome", c.outcome, "duration", duration)
	}
	h.obs.RecordEvent(metrics.Count(metrics.EventCallEnded, sess.StreamID))

	if id := sess.WebhookCallID(); id != "" {
		h.notifier.CallEnded(webhook.CallEnded{
			CallID:          id,
			DurationSeconds: duration.Seconds(),
			Outcome:         c.outcome,
		})
	}
	if h.endHook != nil {
		h.endHook(sess)
	}
}
