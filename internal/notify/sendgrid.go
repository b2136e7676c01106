package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type SendGridNotifier struct {
	client *sendgrid.Client
	from   *mail.Email
}

func NewSendGridNotifier(apiKey, fromEmail, fromName string) *SendGridNotifier {
	return &SendGridNotifier{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromEmail),
	}
}

func (n *SendGridNotifier) BookingConfirmed(ctx context.Context, b Booking) error {
	msg, err := confirmationMail(n.from, b)
	if err != nil {
		return err
	}

	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func confirmationMail(from *mail.Email, b Booking) (*mail.SGMailV3, error) {
	if b.PatientEmail == "" {
		return nil, ErrMissingRecipient
	}

	to := mail.NewEmail(b.PatientName, b.PatientEmail)
	subject := fmt.Sprintf("Your appointment on %s at %s", b.Date, b.Time)
	plain := fmt.Sprintf(
		"Hi %s,\n\nyour appointment with %s is confirmed for %s at %s.\n",
		b.PatientName, b.NutritionistName, b.Date, b.Time,
	)
	html := fmt.Sprintf(
		"<p>Hi %s,</p><p>your appointment with <strong>%s</strong> is confirmed for %s at %s.</p>",
		b.PatientName, b.NutritionistName, b.Date, b.Time,
	)
	return mail.NewSingleEmail(from, subject, to, plain, html), nil
}
