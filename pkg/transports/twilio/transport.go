// Package twilio serves the Twilio voice webhooks and Media Streams
// websocket, and places outbound calls.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"

	"github.com/harunnryd/altiora/pkg/errorsx"
	"github.com/harunnryd/altiora/pkg/logging"
	"github.com/harunnryd/altiora/pkg/redact"
	"github.com/harunnryd/altiora/pkg/stream"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	PhoneNumber        string   `mapstructure:"phone_number"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	OutboundPath       string   `mapstructure:"outbound_path"`
	StreamName         string   `mapstructure:"stream_name"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// BusinessID and AgentID are forwarded as stream parameters.
	BusinessID string `mapstructure:"business_id"`
	AgentID    string `mapstructure:"agent_id"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8000"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice/inbound"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/voice/stream"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/voice/status"
	}
	if c.OutboundPath == "" {
		c.OutboundPath = "/voice/outbound"
	}
	if c.StreamName == "" {
		c.StreamName = "altiora-stream"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

func (c Config) voiceWebhookURL() string {
	return c.httpBase() + c.VoicePath
}

func (c Config) statusCallbackURL() string {
	return c.httpBase() + c.StatusCallbackPath
}

func (c Config) httpBase() string {
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL)
	}
	addr := c.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// CallHandler serves one media stream connection.
type CallHandler interface {
	Handle(ctx context.Context, conn stream.Conn) error
}

type Server struct {
	cfg      Config
	handler  CallHandler
	dialer   *Dialer
	upgrader websocket.Upgrader
	log      *slog.Logger
	mode     string

	mu     sync.Mutex
	server *http.Server
	ctx    context.Context
	cancel context.CancelFunc

	calls    sync.WaitGroup
	active   atomic.Int64
	draining atomic.Bool
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = logging.NewComponentLogger(l, "twilio") }
}

// WithMode labels the pipeline mode reported by /health.
func WithMode(mode string) Option {
	return func(s *Server) { s.mode = mode }
}

func New(cfg Config, handler CallHandler, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		handler: handler,
		dialer:  NewDialer(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:    logging.NewComponentLogger(nil, "twilio"),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Dialer() *Dialer { return s.dialer }

// ActiveCalls reports media streams currently being served.
func (s *Server) ActiveCalls() int64 { return s.active.Load() }

func (s *Server) ReadyFields() map[string]any {
	return map[string]any{
		"addr":                s.cfg.ServerAddr,
		"webhook_url":         s.cfg.voiceWebhookURL(),
		"status_callback_url": s.cfg.statusCallbackURL(),
		"twilio_configured":   s.dialer.Configured(),
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.VoicePath, s.handleVoice)
	mux.HandleFunc(s.cfg.WebsocketPath, s.handleStream)
	mux.HandleFunc(s.cfg.StatusCallbackPath, s.handleStatusCallback)
	mux.HandleFunc(s.cfg.OutboundPath, s.handleOutbound)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens in the background until ctx is done or Drain is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Drain()
		case <-s.ctx.Done():
		}
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("twilio_server_error", "error", err)
		}
	}()
	s.log.Info("twilio_server_listening", "addr", ln.Addr().String())
	return nil
}

// Drain refuses new streams, closes the listener, ends active calls and
// waits for their handlers to return.
func (s *Server) Drain() error {
	s.mu.Lock()
	first := s.draining.CompareAndSwap(false, true)
	srv := s.server
	s.mu.Unlock()
	if !first {
		s.calls.Wait()
		return nil
	}
	var err error
	if srv != nil {
		err = srv.Close()
	}
	s.cancel()
	s.calls.Wait()
	return err
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.log.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	from := r.FormValue("From")
	to := r.FormValue("To")
	s.log.Info("twilio_voice_webhook",
		"call_sid", r.FormValue("CallSid"),
		"from", redact.Number(from),
		"to", redact.Number(to))

	body, err := s.streamTwiML(s.websocketURL(r), map[string]string{
		stream.ParamDirection:  callDirection(r.FormValue("Direction")),
		stream.ParamFrom:       from,
		stream.ParamTo:         to,
		stream.ParamBusinessID: s.cfg.BusinessID,
		stream.ParamAgentID:    s.cfg.AgentID,
	})
	if err != nil {
		s.log.Error("twilio_twiml_failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(body))
}

// streamTwiML connects the call to a bidirectional media stream. Empty
// parameters are left out.
func (s *Server) streamTwiML(wsURL string, params map[string]string) (string, error) {
	var inner []twiml.Element
	for _, key := range []string{
		stream.ParamDirection,
		stream.ParamFrom,
		stream.ParamTo,
		stream.ParamBusinessID,
		stream.ParamAgentID,
	} {
		if v := params[key]; v != "" {
			inner = append(inner, &twiml.VoiceParameter{Name: key, Value: v})
		}
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{
				Url:           wsURL,
				Name:          s.cfg.StreamName,
				InnerElements: inner,
			},
		},
	}
	return twiml.Voice([]twiml.Element{connect})
}

// callDirection folds Twilio's Direction form value into inbound/outbound.
func callDirection(raw string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "outbound") {
		return "outbound"
	}
	return "inbound"
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining.Load() {
		s.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.calls.Add(1)
	s.mu.Unlock()
	defer s.calls.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("twilio_upgrade_failed", "error", err)
		return
	}
	conn := newConn(ws)
	s.active.Add(1)
	defer func() {
		_ = conn.Close()
		s.active.Add(-1)
	}()
	if err := s.handler.Handle(s.ctx, conn); err != nil {
		s.log.Debug("twilio_stream_closed", "reason_code", errorsx.Reason(err))
	}
}

func (s *Server) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.AuthToken != "" && !s.validateTwilioRequest(r) {
		s.log.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err == nil {
		s.log.Info("twilio_call_status",
			"call_sid", r.FormValue("CallSid"),
			"status", r.FormValue("CallStatus"),
			"reason", normalizeCallEndReason(r.FormValue("CallStatus")),
			"duration", r.FormValue("CallDuration"))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type outboundRequest struct {
	To string `json:"to"`
}

func (s *Server) handleOutbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req outboundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing 'to' phone number"})
		return
	}
	if !s.dialer.Configured() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "twilio not configured"})
		return
	}
	sid, err := s.dialer.Dial(r.Context(), to)
	if err != nil {
		s.log.Error("twilio_outbound_failed", "to", redact.Number(to), "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	s.log.Info("twilio_outbound_created", "to", redact.Number(to), "call_sid", sid)
	writeJSON(w, http.StatusOK, map[string]any{"status": "calling", "call_sid": sid, "to": to})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.draining.Load() {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":            status,
		"mode":              s.mode,
		"twilio_configured": s.dialer.Configured(),
		"active_calls":      s.active.Load(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) websocketURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(s.cfg.PublicURL) + s.cfg.WebsocketPath
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return "wss://" + host + s.cfg.WebsocketPath
}

func (s *Server) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	if s.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(s.cfg.AuthToken)
	return validator.ValidateBody(s.requestURL(r), body, signature)
}

func (s *Server) requestURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		base := strings.TrimRight(s.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(s.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return ""
	case "queued", "initiated", "ringing", "in-progress", "inprogress", "answered":
		return ""
	case "completed", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
