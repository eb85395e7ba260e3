package stream

import (
	"sync"
	"time"

	"github.com/harunnryd/altiora/pkg/conversation"
)

// Thresholds are per-call voice activity policy.
type Thresholds struct {
	// Silence is how long the caller must stay quiet after speaking before
	// the buffered utterance is processed.
	Silence time.Duration
	// MinBufferedBytes of 16kHz PCM required before processing.
	MinBufferedBytes int
	// SpeechEnergy is the mean absolute amplitude a frame must exceed to
	// count as speech.
	SpeechEnergy float64
}

// DefaultThresholds match a quiet PSTN line.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Silence:          1500 * time.Millisecond,
		MinBufferedBytes: 3200,
		SpeechEnergy:     500,
	}
}

// Session is the state of one active call. Every flag is guarded by mu and
// changed only through the compound methods below, so the receive loop,
// watcher, processing and emission goroutines never race on a
// check-then-set.
type Session struct {
	StreamID     string
	CallID       string
	TraceID      string
	Conversation *conversation.State
	StartedAt    time.Time

	thresholds Thresholds

	mu            sync.Mutex
	buffer        []byte
	speaking      bool
	speakGen      uint64
	processing    bool
	speechStarted bool
	lastAudio     time.Time
	greetingSent  bool
	webhookCallID string
}

func NewSession(streamID, callID, traceID, systemPrompt string, th Thresholds, now time.Time) *Session {
	return &Session{
		StreamID:     streamID,
		CallID:       callID,
		TraceID:      traceID,
		Conversation: conversation.NewState(systemPrompt),
		StartedAt:    now,
		thresholds:   th,
	}
}

// HandleFrame applies one decoded inbound frame. pcm16 is the frame at the
// recognizer rate and energy its score. It reports whether the frame
// interrupted outbound speech; in that case the buffer was discarded before
// the frame was appended.
func (s *Session) HandleFrame(pcm16 []byte, energy float64, now time.Time) (bargeIn bool) {
	speech := energy > s.thresholds.SpeechEnergy

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.speaking && speech {
		s.speaking = false
		s.buffer = s.buffer[:0]
		bargeIn = true
	}
	if speech {
		s.speechStarted = true
		s.lastAudio = now
	}
	s.buffer = append(s.buffer, pcm16...)
	return bargeIn
}

// TryBeginProcessing fires the processing transition when every gate holds:
// not processing, not speaking, speech started, enough audio buffered, and
// the silence threshold elapsed since the last speech frame. On success it
// returns the buffered audio and the session is marked processing.
func (s *Session) TryBeginProcessing(now time.Time) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.processing, s.speaking, !s.speechStarted:
		return nil, false
	case len(s.buffer) < s.thresholds.MinBufferedBytes:
		return nil, false
	case s.lastAudio.IsZero() || now.Sub(s.lastAudio) < s.thresholds.Silence:
		return nil, false
	}

	snapshot := make([]byte, len(s.buffer))
	copy(snapshot, s.buffer)
	s.buffer = s.buffer[:0]
	s.lastAudio = time.Time{}
	s.speechStarted = false
	s.processing = true
	return snapshot, true
}

func (s *Session) EndProcessing() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// BeginSpeaking claims the outbound channel. The returned generation must be
// passed to WhileSpeaking and EndSpeaking; ok is false when audio is already
// being emitted.
func (s *Session) BeginSpeaking() (gen uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speaking {
		return 0, false
	}
	s.speakGen++
	s.speaking = true
	return s.speakGen, true
}

// WhileSpeaking runs fn under the session lock if emission gen has not been
// interrupted. A barge-in therefore never lands between the check and the
// send.
func (s *Session) WhileSpeaking(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.speaking || s.speakGen != gen {
		return false
	}
	fn()
	return true
}

// EndSpeaking releases emission gen. A later emission is left untouched.
func (s *Session) EndSpeaking(gen uint64) {
	s.mu.Lock()
	if s.speakGen == gen {
		s.speaking = false
	}
	s.mu.Unlock()
}

// MarkGreeting flips the one-shot greeting latch; only the first call
// returns true.
func (s *Session) MarkGreeting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingSent {
		return false
	}
	s.greetingSent = true
	return true
}

// ResetInbound discards buffered caller audio and the current turn.
func (s *Session) ResetInbound() {
	s.mu.Lock()
	s.buffer = s.buffer[:0]
	s.lastAudio = time.Time{}
	s.speechStarted = false
	s.mu.Unlock()
}

func (s *Session) SetWebhookCallID(id string) {
	s.mu.Lock()
	s.webhookCallID = id
	s.mu.Unlock()
}

func (s *Session) WebhookCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.webhookCallID
}

// Snapshot is a point-in-time copy of the session flags.
type Snapshot struct {
	Speaking      bool
	Processing    bool
	SpeechStarted bool
	GreetingSent  bool
	BufferedBytes int
	LastAudio     time.Time
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Speaking:      s.speaking,
		Processing:    s.processing,
		SpeechStarted: s.speechStarted,
		GreetingSent:  s.greetingSent,
		BufferedBytes: len(s.buffer),
		LastAudio:     s.lastAudio,
	}
}
