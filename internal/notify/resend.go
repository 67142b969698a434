package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// ResendSink delivers verification codes through the Resend API.
type ResendSink struct {
	client *resend.Client
	from   string
}

// NewResendSink builds a sink; apiKey and from are both required.
func NewResendSink(apiKey, from string) (*ResendSink, error) {
	if apiKey == "" || from == "" {
		return nil, errors.New("notify: resend api key and from address are required")
	}
	return &ResendSink{client: resend.NewClient(apiKey), from: from}, nil
}

func (s *ResendSink) SendVerificationCode(ctx context.Context, email, code string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{email},
		Subject: "Your quizdeck verification code",
		Text: fmt.Sprintf(
			"Your verification code is %s. It expires in 15 minutes.\n\n"+
				"If you did not request this code, ignore this message.", code),
	}
	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("notify: resend send: %w", err)
	}
	return nil
}
