// Package changelog publishes product updates of an organization to its customers
package changelog

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

// Change types
const (
	TypeFeature      = "feature"
	TypeImprovement  = "improvement"
	TypeFix          = "fix"
	TypeAnnouncement = "announcement"
)

// Statuses
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Entry is a changelog entry. Entries without an asset concern the whole organization.
type Entry struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	AssetType      *string    `json:"asset_type"`
	AssetID        *uuid.UUID `json:"asset_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	ChangeType     string     `json:"change_type"`
	Status         string     `json:"status"`
	PublishedAt    *time.Time `json:"published_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Service is the changelog service
type Service struct {
	db        *csql.DB
	validator *schema.Validator
	customers *customers.Service
	notifier  notify.Notifier
	portalURL string
	now       func() time.Time
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Customers finds the recipients of published entries. Mandatory.
	Customers *customers.Service
	Notifier  notify.Notifier
	// PortalURL is linked from the emails
	PortalURL string
}

// New creates the changelog table and returns the service
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
		portalURL: strings.TrimSuffix(bb.PortalURL, "/"),
		now:       time.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.changelog_entry (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
asset_type VARCHAR,
asset_id uuid,
title VARCHAR NOT NULL,
description TEXT NOT NULL DEFAULT '',
change_type VARCHAR NOT NULL,
status VARCHAR NOT NULL DEFAULT 'draft',
published_at TIMESTAMP,
created_at TIMESTAMP NOT NULL DEFAULT now(),
CHECK ((asset_type IS NULL) = (asset_id IS NULL))
);
CREATE INDEX IF NOT EXISTS changelog_entry_organization_index ON {schema}.changelog_entry(organization_id, published_at);`)
	return s
}

// ValidChangeType returns true for the change types
func ValidChangeType(t string) bool {
	switch t {
	case TypeFeature, TypeImprovement, TypeFix, TypeAnnouncement:
		return true
	}
	return false
}

const entryColumns = `id, organization_id, asset_type, asset_id, title, description, change_type, status, published_at, created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.OrganizationID, &e.AssetType, &e.AssetID, &e.Title, &e.Description, &e.ChangeType, &e.Status, &e.PublishedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("changelog entry: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// List returns all entries of an organization, drafts first, then the newest
func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM {schema}.changelog_entry
WHERE organization_id = $1
ORDER BY published_at DESC NULLS FIRST, created_at DESC;`, organizationID)
}

// ListForCustomer returns the published entries a customer may see: those of the
// whole organization and those of assets assigned to the customer
func (s *Service) ListForCustomer(ctx context.Context, organizationID, customerID uuid.UUID) ([]Entry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM {schema}.changelog_entry e
WHERE organization_id = $1 AND status = 'published' AND (asset_id IS NULL OR EXISTS (
SELECT 1 FROM {schema}.customer_asset a WHERE a.customer_id = $2 AND a.asset_type = e.asset_type AND a.asset_id = e.asset_id))
ORDER BY published_at DESC;`, organizationID, customerID)
}

// Get returns an entry of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*Entry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+entryColumns+` FROM {schema}.changelog_entry
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

// Input creates or changes an entry. The asset can only be set on creation.
type Input struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	ChangeType  *string    `json:"change_type"`
	AssetType   *string    `json:"asset_type"`
	AssetID     *uuid.UUID `json:"asset_id"`
}

func (in *Input) check() error {
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return core.Invalidf("title is missing")
		}
		in.Title = &title
	}
	if in.ChangeType != nil && !ValidChangeType(*in.ChangeType) {
		return core.Invalidf("invalid change type %q", *in.ChangeType)
	}
	if (in.AssetType == nil) != (in.AssetID == nil) {
		return core.Invalidf("asset_type and asset_id go together")
	}
	if in.AssetType != nil {
		switch *in.AssetType {
		case customers.AssetChatbot, customers.AssetVoice, customers.AssetWhatsApp:
		default:
			return core.Invalidf("invalid asset type %q", *in.AssetType)
		}
	}
	return nil
}

// Create creates a draft entry
func (s *Service) Create(ctx context.Context, organizationID uuid.UUID, in Input) (*Entry, error) {
	if in.Title == nil || in.ChangeType == nil {
		return nil, core.Invalidf("title and change_type are required")
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.changelog_entry
(organization_id, asset_type, asset_id, title, description, change_type)
VALUES ($1, $2, $3, $4, COALESCE($5, ''), $6)
RETURNING `+entryColumns+`;`), organizationID, in.AssetType, in.AssetID, *in.Title, in.Description, *in.ChangeType))
}

// Update changes title, description or change type of an entry
func (s *Service) Update(ctx context.Context, organizationID, id uuid.UUID, in Input) (*Entry, error) {
	if in.AssetType != nil || in.AssetID != nil {
		return nil, core.Invalidf("the asset of an entry cannot be changed")
	}
	if err := in.check(); err != nil {
		return nil, err
	}
	return scanEntry(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.changelog_entry SET
title = COALESCE($3, title), description = COALESCE($4, description), change_type = COALESCE($5, change_type)
WHERE id = $1 AND organization_id = $2
RETURNING `+entryColumns+`;`), id, organizationID, in.Title, in.Description, in.ChangeType))
}

// Delete deletes an entry
func (s *Service) Delete(ctx context.Context, organizationID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.changelog_entry WHERE id = $1 AND organization_id = $2;`), id, organizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("changelog entry: %w", core.ErrNotFound)
	}
	return nil
}

// Publish publishes a draft and emails the customers with the view_changelog
// permission who can see it. Publishing twice is a conflict.
func (s *Service) Publish(ctx context.Context, organizationID, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.changelog_entry SET status = 'published', published_at = $3
WHERE id = $1 AND organization_id = $2 AND status = 'draft'
RETURNING `+entryColumns+`;`), id, organizationID, s.now().UTC()))
	if err != nil {
		if _, getErr := s.Get(ctx, organizationID, id); getErr == nil {
			return nil, fmt.Errorf("changelog entry is already published: %w", core.ErrConflict)
		}
		return nil, err
	}

	recipients, err := s.recipients(ctx, e)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6301: cannot find changelog recipients")
		return e, nil
	}
	if len(recipients) > 0 {
		err = s.notifier.Notify(ctx, notify.Notice{
			OrganizationID: organizationID,
			Kind:           notify.KindChangelogPublished,
			Title:          e.Title,
			Body:           e.Description,
			Link:           s.portalURL + "/changelog",
			Email:          recipients,
		})
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("Error 6302: cannot notify customers")
		}
	}
	logger.FromContext(ctx).Infof("published changelog entry %s to %d customers", e.ID, len(recipients))
	return e, nil
}

func (s *Service) recipients(ctx context.Context, e *Entry) ([]string, error) {
	candidates, err := s.customers.ListWithPermission(ctx, e.OrganizationID, customers.PermissionViewChangelog)
	if err != nil {
		return nil, err
	}
	emails := []string{}
	for _, c := range candidates {
		if c.Email == "" {
			continue
		}
		if e.AssetID != nil {
			assigned, err := s.customers.AssetIDs(ctx, c.ID, *e.AssetType)
			if err != nil {
				return nil, err
			}
			if !contains(assigned, *e.AssetID) {
				continue
			}
		}
		emails = append(emails, c.Email)
	}
	return emails, nil
}

func contains(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
