/*
Package notify dispatches notifications.

A notice is raised as a "notify" job and delivered out-of-band: as in-app
notifications for the organization's staff, pushed to the realtime broker, as email
when the organization has the kind enabled, and as a domain event on the bus.

Notices with explicit email recipients (customer invitations, replies to tickets)
are delivered by email only and ignore the organization's settings.
*/
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core/bus"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/integrations/email"
	"github.com/voxtro/backend/platform/tenancy"
)

// Notification kinds
const (
	KindLeadCreated        = "lead-created"
	KindTicketCreated      = "ticket-created"
	KindTicketMessage      = "ticket-message"
	KindTicketReply        = "ticket-reply"
	KindChangelogPublished = "changelog-published"
	KindCustomerInvited    = "customer-invited"
	KindCrawlFailed        = "crawl-failed"
)

// Kinds lists all notification kinds
var Kinds = []string{
	KindLeadCreated,
	KindTicketCreated,
	KindTicketMessage,
	KindTicketReply,
	KindChangelogPublished,
	KindCustomerInvited,
	KindCrawlFailed,
}

// EventType is the job event which delivers a notice
const EventType = "notify"

// Notice is something to tell an organization about
type Notice struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	// UserID addresses a single staff member instead of all owners and admins
	UserID uuid.UUID `json:"user_id,omitempty"`
	Kind   string    `json:"kind"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	Link   string    `json:"link,omitempty"`
	// Email sends the notice to these addresses only, regardless of settings
	Email []string `json:"email,omitempty"`
}

// Notification is an in-app notification of a user
type Notification struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	UserID         uuid.UUID  `json:"user_id"`
	Kind           string     `json:"kind"`
	Title          string     `json:"title"`
	Body           string     `json:"body"`
	Link           string     `json:"link,omitempty"`
	ReadAt         *time.Time `json:"read_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Topic returns the realtime topic of an organization's notifications
func Topic(organizationID uuid.UUID) string {
	return "voxtro/" + organizationID.String() + "/notifications"
}

// Publisher pushes payloads to realtime subscribers
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Directory looks up the people notices go to
type Directory interface {
	Staff(ctx context.Context, organizationID uuid.UUID) ([]tenancy.Member, error)
	Profile(ctx context.Context, userID uuid.UUID) (*tenancy.Profile, error)
	Organization(ctx context.Context, id uuid.UUID) (*tenancy.Organization, error)
}

// Notifier is what other packages need to raise notices
type Notifier interface {
	Notify(ctx context.Context, notice Notice) error
}

// Dispatcher is the notification service
type Dispatcher struct {
	db        *csql.DB
	jobs      *jobs.Queue
	validator *schema.Validator
	directory Directory
	email     email.Sender
	realtime  Publisher
	bus       bus.Publisher
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Jobs is the job queue. Mandatory.
	Jobs *jobs.Queue
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Directory resolves recipients. Mandatory.
	Directory Directory
	// Email sends emails. Optional, without it no emails are sent.
	Email email.Sender
	// Realtime pushes in-app notifications. Optional.
	Realtime Publisher
	// Bus receives a domain event per notice. Optional.
	Bus bus.Publisher
}

// New creates the notification tables and installs the job handler
func New(bb *Builder) *Dispatcher {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Jobs == nil {
		panic("Jobs is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	if bb.Directory == nil {
		panic("Directory is missing")
	}
	d := &Dispatcher{
		db:        bb.DB,
		jobs:      bb.Jobs,
		validator: bb.Validator,
		directory: bb.Directory,
		email:     bb.Email,
		realtime:  bb.Realtime,
		bus:       bb.Bus,
	}
	if d.bus == nil {
		d.bus = bus.Nop{}
	}

	d.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.notification (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
notice_id uuid NOT NULL,
organization_id uuid NOT NULL,
user_id uuid NOT NULL,
kind VARCHAR NOT NULL,
title VARCHAR NOT NULL,
body TEXT NOT NULL DEFAULT '',
link VARCHAR NOT NULL DEFAULT '',
read_at TIMESTAMP,
created_at TIMESTAMP NOT NULL DEFAULT now(),
UNIQUE(notice_id, user_id)
);
CREATE INDEX IF NOT EXISTS notification_user_index ON {schema}.notification(organization_id, user_id, created_at);
CREATE TABLE IF NOT EXISTS {schema}.notification_setting (
organization_id uuid NOT NULL,
kind VARCHAR NOT NULL,
email BOOLEAN NOT NULL,
PRIMARY KEY(organization_id, kind)
);`)

	d.jobs.HandleEvent(EventType, d.deliver)
	return d
}

// Notify raises a notice. It is delivered asynchronously by the job queue.
func (d *Dispatcher) Notify(ctx context.Context, notice Notice) error {
	if notice.OrganizationID == uuid.Nil {
		return fmt.Errorf("notice without organization")
	}
	if notice.ID == uuid.Nil {
		notice.ID = uuid.New()
	}
	return d.jobs.RaiseEvent(ctx, jobs.Event{
		Type:       EventType,
		Key:        notice.Kind,
		Resource:   "notice",
		ResourceID: notice.ID,
	}.WithPayload(notice))
}

// Nop is a Notifier which drops all notices
type Nop struct{}

// Notify does nothing
func (Nop) Notify(ctx context.Context, notice Notice) error { return nil }
