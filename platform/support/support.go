/*
Package support implements support tickets between an organization and its customers.

Customers open tickets and write messages from the portal; staff answer from the
dashboard. Every message is announced to the other side: staff through the
organization's notifications, customers by email.
*/
package support

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/notify"
)

// Ticket statuses
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"
	StatusClosed     = "closed"
)

// Ticket priorities
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Authors of ticket messages
const (
	AuthorCustomer = "customer"
	AuthorStaff    = "staff"
)

// Ticket is a support request of a customer
type Ticket struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	CustomerID     uuid.UUID `json:"customer_id"`
	Subject        string    `json:"subject"`
	Status         string    `json:"status"`
	Priority       string    `json:"priority"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Message is a message of a ticket
type Message struct {
	ID         uuid.UUID `json:"id"`
	TicketID   uuid.UUID `json:"ticket_id"`
	AuthorType string    `json:"author_type"`
	AuthorID   uuid.UUID `json:"author_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Thread is a ticket with its messages
type Thread struct {
	Ticket
	Messages []Message `json:"messages"`
}

// Service is the support service
type Service struct {
	db        *csql.DB
	validator *schema.Validator
	customers *customers.Service
	notifier  notify.Notifier
	appURL    string
	portalURL string
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Customers looks up the email of ticket owners. Mandatory.
	Customers *customers.Service
	// Notifier announces messages. Optional.
	Notifier notify.Notifier
	// AppURL is the dashboard URL linked from staff notifications
	AppURL string
	// PortalURL is the portal URL linked from customer emails
	PortalURL string
}

// New creates the ticket tables and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	if bb.Customers == nil {
		panic("Customers is missing")
	}
	s := &Service{
		db:        bb.DB,
		validator: bb.Validator,
		customers: bb.Customers,
		notifier:  bb.Notifier,
		appURL:    strings.TrimSuffix(bb.AppURL, "/"),
		portalURL: strings.TrimSuffix(bb.PortalURL, "/"),
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.ticket (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
customer_id uuid NOT NULL REFERENCES {schema}.customer(id) ON DELETE CASCADE,
subject VARCHAR NOT NULL,
status VARCHAR NOT NULL DEFAULT 'open',
priority VARCHAR NOT NULL DEFAULT 'medium',
created_at TIMESTAMP NOT NULL DEFAULT now(),
updated_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ticket_organization_index ON {schema}.ticket(organization_id, updated_at);
CREATE INDEX IF NOT EXISTS ticket_customer_index ON {schema}.ticket(customer_id);
CREATE TABLE IF NOT EXISTS {schema}.ticket_message (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
ticket_id uuid NOT NULL REFERENCES {schema}.ticket(id) ON DELETE CASCADE,
author_type VARCHAR NOT NULL,
author_id uuid NOT NULL,
body TEXT NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS ticket_message_ticket_index ON {schema}.ticket_message(ticket_id, created_at);`)
	return s
}

// ValidStatus returns true for the ticket statuses
func ValidStatus(status string) bool {
	switch status {
	case StatusOpen, StatusInProgress, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// ValidPriority returns true for the ticket priorities
func ValidPriority(priority string) bool {
	switch priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

const ticketColumns = `id, organization_id, customer_id, subject, status, priority, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row scanner) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.OrganizationID, &t.CustomerID, &t.Subject, &t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]Ticket, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tickets := []Ticket{}
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// List returns the tickets of an organization, optionally with the given status,
// most recently updated first
func (s *Service) List(ctx context.Context, organizationID uuid.UUID, status string) ([]Ticket, error) {
	if status != "" && !ValidStatus(status) {
		return nil, core.Invalidf("invalid status %q", status)
	}
	return s.query(ctx, `SELECT `+ticketColumns+` FROM {schema}.ticket
WHERE organization_id = $1 AND ($2 = '' OR status = $2)
ORDER BY updated_at DESC;`, organizationID, status)
}

// ListForCustomer returns the tickets of a customer
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) ([]Ticket, error) {
	return s.query(ctx, `SELECT `+ticketColumns+` FROM {schema}.ticket
WHERE organization_id = $1 AND customer_id = $2
ORDER BY updated_at DESC;`, organizationID, customerID)
}

// Get returns a ticket of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*Ticket, error) {
	return scanTicket(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+ticketColumns+` FROM {schema}.ticket
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

// GetForCustomer returns a ticket only if it belongs to the customer
func (s *Service) GetForCustomer(ctx context.Context, organizationID, customerID, id uuid.UUID) (*Ticket, error) {
	return scanTicket(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+ticketColumns+` FROM {schema}.ticket
WHERE id = $1 AND organization_id = $2 AND customer_id = $3;`), id, organizationID, customerID))
}

// Messages returns the messages of a ticket in the order they were written
func (s *Service) Messages(ctx context.Context, ticketID uuid.UUID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT id, ticket_id, author_type, author_id, body, created_at
FROM {schema}.ticket_message WHERE ticket_id = $1 ORDER BY created_at;`), ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	messages := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.AuthorType, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Service) thread(ctx context.Context, t *Ticket) (*Thread, error) {
	messages, err := s.Messages(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	return &Thread{Ticket: *t, Messages: messages}, nil
}

// Update is a change of a ticket by staff
type Update struct {
	Status   *string `json:"status"`
	Priority *string `json:"priority"`
}

// Update changes status and priority of a ticket
func (s *Service) Update(ctx context.Context, organizationID, id uuid.UUID, update Update) (*Ticket, error) {
	if update.Status != nil && !ValidStatus(*update.Status) {
		return nil, core.Invalidf("invalid status %q", *update.Status)
	}
	if update.Priority != nil && !ValidPriority(*update.Priority) {
		return nil, core.Invalidf("invalid priority %q", *update.Priority)
	}
	return scanTicket(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.ticket SET
status = COALESCE($3, status), priority = COALESCE($4, priority), updated_at = now()
WHERE id = $1 AND organization_id = $2
RETURNING `+ticketColumns+`;`), id, organizationID, update.Status, update.Priority))
}

// NewTicket is a ticket a customer opens
type NewTicket struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// Open creates a ticket with its first message and notifies the organization's staff
func (s *Service) Open(ctx context.Context, organizationID, customerID, authorID uuid.UUID, in NewTicket) (*Thread, error) {
	in.Subject = strings.TrimSpace(in.Subject)
	in.Body = strings.TrimSpace(in.Body)
	if in.Subject == "" || in.Body == "" {
		return nil, core.Invalidf("subject and body are required")
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}
	if !ValidPriority(in.Priority) {
		return nil, core.Invalidf("invalid priority %q", in.Priority)
	}
	customer, err := s.customers.Get(ctx, organizationID, customerID)
	if err != nil {
		return nil, err
	}

	var t *Ticket
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = scanTicket(tx.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.ticket (organization_id, customer_id, subject, priority)
VALUES ($1, $2, $3, $4) RETURNING `+ticketColumns+`;`), organizationID, customer.ID, in.Subject, in.Priority))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.ticket_message (ticket_id, author_type, author_id, body)
VALUES ($1, $2, $3, $4);`), t.ID, AuthorCustomer, authorID, in.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("customer %s opened ticket %s", customer.ID, t.ID)

	s.notifyStaff(ctx, t, notify.Notice{
		Kind:  notify.KindTicketCreated,
		Title: fmt.Sprintf("New ticket from %s: %s", displayName(customer), t.Subject),
		Body:  in.Body,
	})
	return s.thread(ctx, t)
}

// addMessage appends a message to the ticket and moves it to the status next
// returns for its current status. The status is read under a row lock.
func (s *Service) addMessage(ctx context.Context, t *Ticket, authorType string, authorID uuid.UUID, body string, next func(string) string) (*Message, *Ticket, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, nil, core.Invalidf("body is missing")
	}
	var m Message
	var updated *Ticket
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, s.db.Q(`SELECT status FROM {schema}.ticket WHERE id = $1 AND organization_id = $2 FOR UPDATE;`),
			t.ID, t.OrganizationID).Scan(&status)
		if err == sql.ErrNoRows {
			return core.ErrNotFound
		}
		if err != nil {
			return err
		}
		if status == StatusClosed {
			return fmt.Errorf("ticket is closed: %w", core.ErrConflict)
		}
		err = tx.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.ticket_message (ticket_id, author_type, author_id, body)
VALUES ($1, $2, $3, $4) RETURNING id, ticket_id, author_type, author_id, body, created_at;`),
			t.ID, authorType, authorID, body).Scan(&m.ID, &m.TicketID, &m.AuthorType, &m.AuthorID, &m.Body, &m.CreatedAt)
		if err != nil {
			return err
		}
		updated, err = scanTicket(tx.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.ticket SET status = $2, updated_at = now()
WHERE id = $1 RETURNING `+ticketColumns+`;`), t.ID, next(status)))
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return &m, updated, nil
}

// replyStatus starts the work on an open ticket
func replyStatus(status string) string {
	if status == StatusOpen {
		return StatusInProgress
	}
	return status
}

// customerStatus reopens a resolved ticket
func customerStatus(status string) string {
	if status == StatusResolved {
		return StatusOpen
	}
	return status
}

// Reply adds a staff message to a ticket. An open ticket moves to in_progress.
// The customer is notified by email.
func (s *Service) Reply(ctx context.Context, organizationID, id, userID uuid.UUID, body string) (*Message, error) {
	t, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}
	m, t, err := s.addMessage(ctx, t, AuthorStaff, userID, body, replyStatus)
	if err != nil {
		return nil, err
	}

	customer, err := s.customers.Get(ctx, organizationID, t.CustomerID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6201: cannot look up ticket customer")
		return m, nil
	}
	if customer.Email != "" {
		err = s.notifier.Notify(ctx, notify.Notice{
			OrganizationID: organizationID,
			Kind:           notify.KindTicketReply,
			Title:          "New reply to your ticket: " + t.Subject,
			Body:           m.Body,
			Link:           s.portalURL + "/tickets/" + t.ID.String(),
			Email:          []string{customer.Email},
		})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("Error 6202: cannot notify customer")
		}
	}
	return m, nil
}

// CustomerMessage adds a customer message to one of the customer's tickets. A
// resolved ticket is reopened. Staff are notified.
func (s *Service) CustomerMessage(ctx context.Context, organizationID, customerID, authorID, id uuid.UUID, body string) (*Message, error) {
	t, err := s.GetForCustomer(ctx, organizationID, customerID, id)
	if err != nil {
		return nil, err
	}
	customer, err := s.customers.Get(ctx, organizationID, customerID)
	if err != nil {
		return nil, err
	}
	m, t, err := s.addMessage(ctx, t, AuthorCustomer, authorID, body, customerStatus)
	if err != nil {
		return nil, err
	}
	s.notifyStaff(ctx, t, notify.Notice{
		Kind:  notify.KindTicketMessage,
		Title: fmt.Sprintf("%s wrote on ticket: %s", displayName(customer), t.Subject),
		Body:  m.Body,
	})
	return m, nil
}

func (s *Service) notifyStaff(ctx context.Context, t *Ticket, n notify.Notice) {
	n.OrganizationID = t.OrganizationID
	n.Link = s.appURL + "/tickets/" + t.ID.String()
	if err := s.notifier.Notify(ctx, n); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6203: cannot notify staff")
	}
}

func displayName(c *customers.Customer) string {
	switch {
	case c.FullName != "":
		return c.FullName
	case c.CompanyName != "":
		return c.CompanyName
	}
	return c.Email
}
