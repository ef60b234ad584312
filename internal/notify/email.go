package notify

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"github.com/MarkoPoloResearchLab/paycredits/pkg/credits"
	"gopkg.in/gomail.v2"
)

// MailSender is the subset of *gomail.Dialer used by EmailSink.
type MailSender interface {
	DialAndSend(messages ...*gomail.Message) error
}

// EmailSink mails the notice to the address captured at purchase time.
type EmailSink struct {
	sender MailSender
	from   string
}

var emailBody = template.Must(template.New("notice").Parse(`<div style="font-family: Arial, sans-serif; padding: 20px; color: #333;">
<h2>{{.Title}}</h2>
<p>{{.Body}}</p>
<p>Current balance: <strong>{{.NewBalance}}</strong></p>
{{if .ExternalPaymentID}}<p>Payment reference: {{.ExternalPaymentID}}</p>{{end}}
</div>`))

// NewEmailSink wires an EmailSink.
func NewEmailSink(sender MailSender, from string) (*EmailSink, error) {
	if sender == nil || strings.TrimSpace(from) == "" {
		return nil, fmt.Errorf("%w: email sink needs a sender and a from address", ErrInvalidSinkConfig)
	}
	return &EmailSink{sender: sender, from: from}, nil
}

// NewSMTPDialer returns a gomail dialer for host:port.
func NewSMTPDialer(host string, port int, username string, password string) *gomail.Dialer {
	return gomail.NewDialer(host, port, username, password)
}

// Deliver implements credits.Sink. Notices without a recipient are dropped.
func (sink *EmailSink) Deliver(_ context.Context, intent credits.Intent) error {
	recipient := strings.TrimSpace(intent.Notice.Email)
	if recipient == "" {
		return nil
	}
	var body strings.Builder
	if err := emailBody.Execute(&body, intent.Notice); err != nil {
		return fmt.Errorf("render email: %w", err)
	}
	message := gomail.NewMessage()
	message.SetHeader("From", sink.from)
	message.SetHeader("To", recipient)
	message.SetHeader("Subject", intent.Notice.Title)
	message.SetBody("text/html", body.String())
	if err := sink.sender.DialAndSend(message); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
