/*
Package customers manages the customers of an organization.

Customers are the end users of the branded portal. Each customer has a set of
portal permissions and is assigned the chatbots, voice assistants and WhatsApp
agents the portal shows them. A signed-in user is linked to a customer on first
portal access when the email of the user matches.
*/
package customers

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/pointers"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/platform/notify"
)

// Portal permissions
const (
	PermissionViewChatbots  = "view_chatbots"
	PermissionViewVoice     = "view_voice"
	PermissionViewWhatsApp  = "view_whatsapp"
	PermissionViewLeads     = "view_leads"
	PermissionViewCalls     = "view_calls"
	PermissionCreateTickets = "create_tickets"
	PermissionViewChangelog = "view_changelog"
)

// Asset types a customer can be assigned. They double as lead source types.
const (
	AssetChatbot  = "chatbot"
	AssetVoice    = "voice"
	AssetWhatsApp = "whatsapp"
)

// Permissions are the portal permissions of a customer
type Permissions struct {
	ViewChatbots  bool `json:"view_chatbots"`
	ViewVoice     bool `json:"view_voice"`
	ViewWhatsApp  bool `json:"view_whatsapp"`
	ViewLeads     bool `json:"view_leads"`
	ViewCalls     bool `json:"view_calls"`
	CreateTickets bool `json:"create_tickets"`
	ViewChangelog bool `json:"view_changelog"`
}

// DefaultPermissions are granted to new customers
var DefaultPermissions = Permissions{
	ViewChatbots:  true,
	CreateTickets: true,
	ViewChangelog: true,
}

// List returns the names of the granted permissions
func (p Permissions) List() []string {
	list := []string{}
	add := func(granted bool, name string) {
		if granted {
			list = append(list, name)
		}
	}
	add(p.ViewChatbots, PermissionViewChatbots)
	add(p.ViewVoice, PermissionViewVoice)
	add(p.ViewWhatsApp, PermissionViewWhatsApp)
	add(p.ViewLeads, PermissionViewLeads)
	add(p.ViewCalls, PermissionViewCalls)
	add(p.CreateTickets, PermissionCreateTickets)
	add(p.ViewChangelog, PermissionViewChangelog)
	return list
}

// Value implements driver.Valuer, permissions are stored as JSONB
func (p Permissions) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	return string(data), err
}

// Scan implements sql.Scanner
func (p *Permissions) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = Permissions{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into Permissions", src)
}

// Customer is an end user of the portal
type Customer struct {
	ID             uuid.UUID   `json:"id"`
	OrganizationID uuid.UUID   `json:"organization_id"`
	Email          string      `json:"email"`
	FullName       string      `json:"full_name"`
	CompanyName    string      `json:"company_name"`
	UserID         *uuid.UUID  `json:"user_id"`
	Permissions    Permissions `json:"permissions"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Assets are the assets assigned to a customer
type Assets struct {
	Chatbots        []uuid.UUID `json:"chatbots"`
	VoiceAssistants []uuid.UUID `json:"voice_assistants"`
	WhatsAppAgents  []uuid.UUID `json:"whatsapp_agents"`
}

func (a *Assets) byType() map[string]*[]uuid.UUID {
	return map[string]*[]uuid.UUID{
		AssetChatbot:  &a.Chatbots,
		AssetVoice:    &a.VoiceAssistants,
		AssetWhatsApp: &a.WhatsAppAgents,
	}
}

// AssetOwner filters asset ids down to those owned by an organization
type AssetOwner interface {
	OwnedAssets(ctx context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error)
}

// Service is the customer service
type Service struct {
	db        *csql.DB
	validator *schema.Validator
	notifier  notify.Notifier
	portalURL string

	mu     sync.RWMutex
	owners map[string]AssetOwner
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Notifier sends the invitation emails. Optional.
	Notifier notify.Notifier
	// PortalURL is linked from invitation emails
	PortalURL string
}

// New creates the customer tables and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	s := &Service{
		db:        bb.DB,
		validator: bb.Validator,
		notifier:  bb.Notifier,
		portalURL: strings.TrimSuffix(bb.PortalURL, "/"),
		owners:    map[string]AssetOwner{},
	}
	if s.notifier == nil {
		s.notifier = notify.Nop{}
	}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.customer (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
organization_id uuid NOT NULL,
email VARCHAR NOT NULL,
full_name VARCHAR NOT NULL DEFAULT '',
company_name VARCHAR NOT NULL DEFAULT '',
user_id uuid,
permissions JSONB NOT NULL DEFAULT '{}'::jsonb,
created_at TIMESTAMP NOT NULL DEFAULT now(),
updated_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS customer_email_index ON {schema}.customer(organization_id, lower(email));
CREATE INDEX IF NOT EXISTS customer_user_index ON {schema}.customer(user_id);
CREATE TABLE IF NOT EXISTS {schema}.customer_asset (
customer_id uuid NOT NULL REFERENCES {schema}.customer(id) ON DELETE CASCADE,
asset_type VARCHAR NOT NULL,
asset_id uuid NOT NULL,
PRIMARY KEY(customer_id, asset_type, asset_id)
);
CREATE INDEX IF NOT EXISTS customer_asset_index ON {schema}.customer_asset(asset_type, asset_id);`)
	return s
}

// RegisterAssetOwner installs the owner check for an asset type. Assets of types
// without an owner cannot be assigned.
func (s *Service) RegisterAssetOwner(assetType string, owner AssetOwner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[assetType] = owner
}

const customerColumns = `id, organization_id, email, full_name, company_name, user_id, permissions, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCustomer(row scanner) (*Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Email, &c.FullName, &c.CompanyName, &c.UserID, &c.Permissions, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("customer: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) query(ctx context.Context, where string, args ...interface{}) ([]Customer, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT `+customerColumns+` FROM {schema}.customer WHERE `+where+` ORDER BY created_at;`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	customers := []Customer{}
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

// List returns the customers of an organization
func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]Customer, error) {
	return s.query(ctx, `organization_id = $1`, organizationID)
}

// ListWithPermission returns the customers of an organization which were granted permission
func (s *Service) ListWithPermission(ctx context.Context, organizationID uuid.UUID, permission string) ([]Customer, error) {
	return s.query(ctx, `organization_id = $1 AND COALESCE((permissions->>$2)::boolean, false)`, organizationID, permission)
}

// Get returns a customer of an organization
func (s *Service) Get(ctx context.Context, organizationID, id uuid.UUID) (*Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, s.db.Q(`SELECT `+customerColumns+` FROM {schema}.customer
WHERE id = $1 AND organization_id = $2;`), id, organizationID))
}

// Input are the writable fields of a customer
type Input struct {
	Email       *string      `json:"email"`
	FullName    *string      `json:"full_name"`
	CompanyName *string      `json:"company_name"`
	Permissions *Permissions `json:"permissions"`
}

func conflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: a customer with this email exists", core.ErrConflict)
	}
	return err
}

// Create creates a customer and sends the invitation email. Customers get the
// DefaultPermissions unless the input has permissions.
func (s *Service) Create(ctx context.Context, organizationID uuid.UUID, in Input) (*Customer, error) {
	email := strings.ToLower(strings.TrimSpace(pointers.Value(in.Email)))
	if email == "" {
		return nil, core.Invalidf("email is missing")
	}
	permissions := pointers.ValueOr(in.Permissions, DefaultPermissions)
	c, err := scanCustomer(s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.customer
(organization_id, email, full_name, company_name, permissions) VALUES ($1, $2, $3, $4, $5)
RETURNING `+customerColumns+`;`), organizationID, email, strings.TrimSpace(pointers.Value(in.FullName)), strings.TrimSpace(pointers.Value(in.CompanyName)), permissions))
	if err != nil {
		return nil, conflict(err)
	}

	err = s.notifier.Notify(ctx, notify.Notice{
		OrganizationID: organizationID,
		Kind:           notify.KindCustomerInvited,
		Title:          "You have been invited to the customer portal",
		Body:           "Sign in with " + c.Email + " to see your assistants, tickets and updates.",
		Link:           s.portalURL,
		Email:          []string{c.Email},
	})
	if err != nil {
		logger.FromContext(ctx).Warnf("cannot send invitation to customer %s: %v", c.ID, err)
	}
	return c, nil
}

// Update updates the given fields of a customer
func (s *Service) Update(ctx context.Context, organizationID, id uuid.UUID, in Input) (*Customer, error) {
	if in.Email != nil && strings.TrimSpace(pointers.Value(in.Email)) == "" {
		return nil, core.Invalidf("email cannot be empty")
	}
	var email *string
	if in.Email != nil {
		e := strings.ToLower(strings.TrimSpace(pointers.Value(in.Email)))
		email = &e
	}
	c, err := scanCustomer(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.customer SET
email = COALESCE($3, email),
full_name = COALESCE($4, full_name),
company_name = COALESCE($5, company_name),
updated_at = now()
WHERE id = $1 AND organization_id = $2
RETURNING `+customerColumns+`;`), id, organizationID, email, in.FullName, in.CompanyName))
	if err != nil {
		return nil, conflict(err)
	}
	return c, nil
}

// Delete deletes a customer together with the asset assignment
func (s *Service) Delete(ctx context.Context, organizationID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.customer WHERE id = $1 AND organization_id = $2;`), id, organizationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("customer: %w", core.ErrNotFound)
	}
	return nil
}

// SetPermissions replaces the permissions of a customer
func (s *Service) SetPermissions(ctx context.Context, organizationID, id uuid.UUID, permissions Permissions) (*Customer, error) {
	return scanCustomer(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.customer SET permissions = $3, updated_at = now()
WHERE id = $1 AND organization_id = $2
RETURNING `+customerColumns+`;`), id, organizationID, permissions))
}

// Assets returns the assets assigned to a customer
func (s *Service) Assets(ctx context.Context, organizationID, id uuid.UUID) (*Assets, error) {
	if _, err := s.Get(ctx, organizationID, id); err != nil {
		return nil, err
	}
	assets := Assets{Chatbots: []uuid.UUID{}, VoiceAssistants: []uuid.UUID{}, WhatsAppAgents: []uuid.UUID{}}
	byType := assets.byType()
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT asset_type, asset_id FROM {schema}.customer_asset
WHERE customer_id = $1 ORDER BY asset_type, asset_id;`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var assetType string
		var assetID uuid.UUID
		if err := rows.Scan(&assetType, &assetID); err != nil {
			return nil, err
		}
		if ids, ok := byType[assetType]; ok {
			*ids = append(*ids, assetID)
		}
	}
	return &assets, rows.Err()
}

// AssetIDs returns the ids of the assets of one type assigned to a customer
func (s *Service) AssetIDs(ctx context.Context, customerID uuid.UUID, assetType string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT asset_id FROM {schema}.customer_asset
WHERE customer_id = $1 AND asset_type = $2;`), customerID, assetType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []uuid.UUID{}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAssets replaces the asset assignment of a customer. All assets must belong
// to the customer's organization.
func (s *Service) SetAssets(ctx context.Context, organizationID, id uuid.UUID, assets Assets) (*Assets, error) {
	if _, err := s.Get(ctx, organizationID, id); err != nil {
		return nil, err
	}
	for assetType, ids := range assets.byType() {
		if len(*ids) == 0 {
			continue
		}
		if err := s.checkOwned(ctx, organizationID, assetType, *ids); err != nil {
			return nil, err
		}
	}

	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.customer_asset WHERE customer_id = $1;`), id); err != nil {
			return err
		}
		for assetType, ids := range assets.byType() {
			for _, assetID := range *ids {
				_, err := tx.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.customer_asset (customer_id, asset_type, asset_id)
VALUES ($1, $2, $3) ON CONFLICT DO NOTHING;`), id, assetType, assetID)
				if err != nil {
					return err
				}
			}
		}
		_, err := tx.ExecContext(ctx, s.db.Q(`UPDATE {schema}.customer SET updated_at = now() WHERE id = $1;`), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Assets(ctx, organizationID, id)
}

func (s *Service) checkOwned(ctx context.Context, organizationID uuid.UUID, assetType string, ids []uuid.UUID) error {
	s.mu.RLock()
	owner, ok := s.owners[assetType]
	s.mu.RUnlock()
	if !ok {
		return core.Invalidf("%s assets cannot be assigned", assetType)
	}
	owned, err := owner.OwnedAssets(ctx, organizationID, ids)
	if err != nil {
		return err
	}
	known := make(map[uuid.UUID]bool, len(owned))
	for _, id := range owned {
		known[id] = true
	}
	for _, id := range ids {
		if !known[id] {
			return core.Invalidf("%s %s does not belong to the organization", assetType, id)
		}
	}
	return nil
}

// Resolve returns the customer the authenticated user acts as in the portal. The
// customer is found by the linked user id, else by the user's email within
// organizationID, in which case the user is linked to the customer. A user who is
// customer of several organizations must pass organizationID.
func (s *Service) Resolve(ctx context.Context, auth *access.Authorization, organizationID uuid.UUID) (*Customer, error) {
	if auth == nil || auth.UserID == uuid.Nil {
		return nil, core.ErrForbidden
	}
	where, args := `user_id = $1`, []interface{}{auth.UserID}
	if organizationID != uuid.Nil {
		where, args = `user_id = $1 AND organization_id = $2`, append(args, organizationID)
	}
	linked, err := s.query(ctx, where, args...)
	if err != nil {
		return nil, err
	}
	if len(linked) == 1 {
		return &linked[0], nil
	}
	if len(linked) > 1 {
		return nil, core.Invalidf("customer of several organizations, select one")
	}
	if organizationID == uuid.Nil || auth.Email == "" {
		return nil, fmt.Errorf("customer: %w", core.ErrForbidden)
	}

	c, err := scanCustomer(s.db.QueryRowContext(ctx, s.db.Q(`UPDATE {schema}.customer SET user_id = $3, updated_at = now()
WHERE organization_id = $1 AND lower(email) = $2 AND user_id IS NULL
RETURNING `+customerColumns+`;`), organizationID, strings.ToLower(auth.Email), auth.UserID))
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("customer: %w", core.ErrForbidden)
	}
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("linked user %s to customer %s", auth.UserID, c.ID)
	return c, nil
}
