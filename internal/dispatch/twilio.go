package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/ReplyFlow/ReplyFlow/internal/models"
)

// TwilioOpts holds configuration options for the Twilio sender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio sender.
type TwilioOption func(*TwilioOpts)

// WithTwilioCredentials sets the Twilio account SID and auth token.
func WithTwilioCredentials(accountSID, authToken string) TwilioOption {
	return func(o *TwilioOpts) {
		o.AccountSID = accountSID
		o.AuthToken = authToken
	}
}

// WithTwilioFromNumber sets the sending WhatsApp number.
func WithTwilioFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioSender delivers WhatsApp replies through the Twilio Messages API. It
// is the one concrete platform adapter shipped with the service; other
// platforms plug in behind the same Sender interface.
type TwilioSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioSender creates a TwilioSender from the given options.
func NewTwilioSender(opts ...TwilioOption) (*TwilioSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio credentials are required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("Creating TwilioSender", "from", cfg.FromNumber)
	return &TwilioSender{client: client, from: cfg.FromNumber}, nil
}

// SendReply delivers the reply to the conversation's counterparty over
// WhatsApp. Replies for other platforms are rejected.
func (s *TwilioSender) SendReply(ctx context.Context, cmd models.ReplyCommand) error {
	if cmd.Platform != models.PlatformWhatsApp {
		return fmt.Errorf("twilio sender cannot deliver to platform %s", cmd.Platform)
	}
	counterparty, err := counterpartyFromKey(cmd.ConversationKey)
	if err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + counterparty)
	params.SetFrom("whatsapp:" + strings.TrimPrefix(s.from, "whatsapp:"))
	params.SetBody(cmd.Content)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("failed to send twilio message: %w", err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioSender.SendReply: message accepted", "sid", sid, "executionID", cmd.ExecutionID, "stepNumber", cmd.StepNumber)
	return nil
}

// counterpartyFromKey extracts the counterparty from a "platform:counterparty"
// conversation key.
func counterpartyFromKey(key string) (string, error) {
	_, counterparty, ok := strings.Cut(key, ":")
	if !ok || counterparty == "" {
		return "", fmt.Errorf("malformed conversation key %q", key)
	}
	return counterparty, nil
}
