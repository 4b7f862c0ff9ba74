// Package email sends emails through the email delivery API (Resend)
package email

import (
	"context"
	"fmt"
	"net/url"

	"github.com/resend/resend-go/v2"

	"github.com/voxtro/backend/core/logger"
)

// Email is one outgoing email
type Email struct {
	From    string
	To      []string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
}

// Sender sends emails
type Sender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// Client talks to the email delivery API
type Client struct {
	resend *resend.Client
	from   string
}

// New returns a client which sends from the given address, or nil if apiKey is
// empty. An empty baseURL selects the production API.
func New(baseURL, apiKey, from string) *Client {
	if apiKey == "" {
		return nil
	}
	c := resend.NewClient(apiKey)
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			logger.Default().WithError(err).Errorln("Error 6801: invalid email API URL", baseURL)
			return nil
		}
		c.BaseURL = u
	}
	return &Client{resend: c, from: from}
}

// Send sends the email and returns the provider's message id. An empty From is
// replaced with the client's default sender.
func (c *Client) Send(ctx context.Context, email Email) (string, error) {
	if email.From == "" {
		email.From = c.from
	}
	if len(email.To) == 0 {
		return "", fmt.Errorf("email without recipients")
	}
	sent, err := c.resend.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    email.From,
		To:      email.To,
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		ReplyTo: email.ReplyTo,
	})
	if err != nil {
		return "", fmt.Errorf("email to %v: %w", email.To, err)
	}
	logger.FromContext(ctx).Debugf("email %s sent to %d recipients", sent.Id, len(email.To))
	return sent.Id, nil
}
