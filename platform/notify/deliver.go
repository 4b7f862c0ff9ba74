package notify

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/bus"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/integrations/email"
)

//go:embed templates
var templateFS embed.FS

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/notice.html"))
	textTemplate = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/notice.txt"))
)

// defaultColor is the button color of emails
const defaultColor = "#4f46e5"

type recipient struct {
	userID uuid.UUID
	email  string
}

func (d *Dispatcher) deliver(ctx context.Context, e jobs.Event) error {
	var notice Notice
	if err := json.Unmarshal(e.Payload, &notice); err != nil {
		// not retryable
		logger.FromContext(ctx).Errorf("Error 5401: invalid notice: %v", err)
		return nil
	}
	log := logger.FromContext(ctx).WithField("notice", notice.ID)

	if len(notice.Email) > 0 {
		for _, to := range notice.Email {
			d.sendEmail(ctx, notice, to)
		}
		d.publishEvent(ctx, notice)
		return nil
	}

	recipients, err := d.recipients(ctx, notice)
	if err != nil {
		return err
	}
	emailEnabled, err := d.EmailEnabled(ctx, notice.OrganizationID, notice.Kind)
	if err != nil {
		return err
	}

	for _, r := range recipients {
		n, err := d.insert(ctx, notice, r.userID)
		if errors.Is(err, sql.ErrNoRows) {
			log.Debugf("notice already delivered to %s", r.userID)
			continue
		}
		if err != nil {
			return err
		}
		if d.realtime != nil {
			payload, _ := json.Marshal(n)
			if err := d.realtime.Publish(ctx, Topic(notice.OrganizationID), payload); err != nil {
				log.Warnf("cannot push notification to realtime: %v", err)
			}
		}
		if emailEnabled && r.email != "" {
			d.sendEmail(ctx, notice, r.email)
		}
	}
	log.Infof("delivered %s notice to %d recipients", notice.Kind, len(recipients))
	d.publishEvent(ctx, notice)
	return nil
}

func (d *Dispatcher) recipients(ctx context.Context, notice Notice) ([]recipient, error) {
	if notice.UserID != uuid.Nil {
		p, err := d.directory.Profile(ctx, notice.UserID)
		if errors.Is(err, core.ErrNotFound) {
			return []recipient{{userID: notice.UserID}}, nil
		}
		if err != nil {
			return nil, err
		}
		return []recipient{{userID: p.UserID, email: p.Email}}, nil
	}
	staff, err := d.directory.Staff(ctx, notice.OrganizationID)
	if err != nil {
		return nil, err
	}
	recipients := make([]recipient, 0, len(staff))
	for _, m := range staff {
		recipients = append(recipients, recipient{userID: m.UserID, email: m.Email})
	}
	return recipients, nil
}

// insert stores the in-app notification. It returns sql.ErrNoRows if the notice
// was already delivered to the user by an earlier attempt.
func (d *Dispatcher) insert(ctx context.Context, notice Notice, userID uuid.UUID) (*Notification, error) {
	n := Notification{
		OrganizationID: notice.OrganizationID,
		UserID:         userID,
		Kind:           notice.Kind,
		Title:          notice.Title,
		Body:           notice.Body,
		Link:           notice.Link,
	}
	err := d.db.QueryRowContext(ctx, d.db.Q(`INSERT INTO {schema}.notification
(notice_id, organization_id, user_id, kind, title, body, link) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (notice_id, user_id) DO NOTHING
RETURNING id, created_at;`), notice.ID, n.OrganizationID, userID, n.Kind, n.Title, n.Body, n.Link).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

type emailData struct {
	CompanyName string
	Title       string
	Paragraphs  []string
	Link        string
	Color       string
}

func render(data emailData) (string, string, error) {
	var html, text bytes.Buffer
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return "", "", err
	}
	if err := textTemplate.Execute(&text, data); err != nil {
		return "", "", err
	}
	return html.String(), text.String(), nil
}

func paragraphs(body string) []string {
	var out []string
	for _, p := range strings.Split(body, "\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sendEmail sends a notice to one address. Failures are logged and counted but do
// not fail the job, retrying would duplicate the emails which were sent.
func (d *Dispatcher) sendEmail(ctx context.Context, notice Notice, to string) {
	log := logger.FromContext(ctx)
	if d.email == nil {
		log.Debugf("email disabled, not sending %s notice to %s", notice.Kind, to)
		return
	}
	data := emailData{
		Title:      notice.Title,
		Paragraphs: paragraphs(notice.Body),
		Link:       notice.Link,
		Color:      defaultColor,
	}
	if org, err := d.directory.Organization(ctx, notice.OrganizationID); err == nil {
		data.CompanyName = org.Name
	}
	html, text, err := render(data)
	if err != nil {
		log.Errorf("Error 5402: cannot render email: %v", err)
		metrics.EmailsTotal.WithLabelValues(notice.Kind, "failure").Inc()
		return
	}
	id, err := d.email.Send(ctx, email.Email{
		To:      []string{to},
		Subject: notice.Title,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		log.Errorf("Error 5403: cannot send %s email: %v", notice.Kind, err)
		metrics.EmailsTotal.WithLabelValues(notice.Kind, "failure").Inc()
		return
	}
	log.Debugf("sent %s email %s", notice.Kind, id)
	metrics.EmailsTotal.WithLabelValues(notice.Kind, "success").Inc()
}

func (d *Dispatcher) publishEvent(ctx context.Context, notice Notice) {
	err := d.bus.Publish(ctx, bus.Event{
		Type:           notice.Kind,
		OrganizationID: notice.OrganizationID,
		Payload:        notice,
	})
	if err != nil {
		logger.FromContext(ctx).Warnf("cannot publish %s event: %v", notice.Kind, err)
	}
}
