package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNotConfigured is returned when outbound calling lacks credentials or a
// caller id.
var ErrNotConfigured = errors.New("twilio: outbound calling not configured")

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// DialOptions carries optional outbound dial settings.
type DialOptions struct {
	SendDigits string
}

// Dialer places outbound calls through the Twilio REST API. The answered
// call is pointed at the voice webhook, which connects the media stream.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Configured reports whether credentials and a caller id are present.
func (d *Dialer) Configured() bool {
	return d.cfg.AccountSID != "" && d.cfg.AuthToken != "" && d.cfg.PhoneNumber != ""
}

// Dial calls to from the configured number and returns the call sid.
func (d *Dialer) Dial(ctx context.Context, to string) (string, error) {
	return d.DialWithOptions(ctx, to, DialOptions{})
}

func (d *Dialer) DialWithOptions(ctx context.Context, to string, opts DialOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return "", errors.New("twilio: destination number required")
	}
	if !d.Configured() {
		return "", ErrNotConfigured
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.cfg.PhoneNumber)
	params.SetUrl(d.cfg.voiceWebhookURL())
	params.SetStatusCallback(d.cfg.statusCallbackURL())
	if strings.TrimSpace(opts.SendDigits) != "" {
		params.SetSendDigits(opts.SendDigits)
	}
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp == nil || resp.Sid == nil {
		return "", errors.New("twilio: missing call sid")
	}
	return *resp.Sid, nil
}
