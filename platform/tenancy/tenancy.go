/*
Package tenancy manages organizations, their members and the user profiles.

Every dashboard request is scoped to one organization. The Middleware resolves it
from the Voxtro-Organization header, falling back to the active organization of
the user's profile, and adds it together with the user's role to the request's
authorization.
*/
package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/schema"
)

// OrganizationHeader selects the organization of a dashboard request
const OrganizationHeader = "Voxtro-Organization"

// Organization is a tenant
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	// Role and Active are only set when listing the organizations of a user
	Role   string `json:"role,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// Membership links a user to an organization
type Membership struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// Member is a membership together with the member's profile
type Member struct {
	Membership
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Profile is the platform's view of a user of the identity provider
type Profile struct {
	UserID               uuid.UUID  `json:"user_id"`
	Email                string     `json:"email"`
	FullName             string     `json:"full_name"`
	ActiveOrganizationID *uuid.UUID `json:"active_organization_id"`
}

// ValidRole returns true for the organization roles
func ValidRole(role string) bool {
	return role == access.RoleOwner || role == access.RoleAdmin || role == access.RoleMember
}

// Service is the tenancy service
type Service struct {
	db        *csql.DB
	validator *schema.Validator
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
}

// New creates the tenancy tables if they do not exist yet and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	s := &Service{db: bb.DB, validator: bb.Validator}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.organization (
id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
name VARCHAR NOT NULL,
slug VARCHAR NOT NULL UNIQUE,
created_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS {schema}.profile (
user_id uuid NOT NULL PRIMARY KEY,
email VARCHAR NOT NULL DEFAULT '',
full_name VARCHAR NOT NULL DEFAULT '',
active_organization_id uuid REFERENCES {schema}.organization(id) ON DELETE SET NULL,
created_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS profile_email_index ON {schema}.profile(lower(email));
CREATE TABLE IF NOT EXISTS {schema}.membership (
organization_id uuid NOT NULL REFERENCES {schema}.organization(id) ON DELETE CASCADE,
user_id uuid NOT NULL,
role VARCHAR NOT NULL,
created_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(organization_id, user_id)
);
CREATE INDEX IF NOT EXISTS membership_user_index ON {schema}.membership(user_id);
CREATE TABLE IF NOT EXISTS {schema}.integration_credential (
organization_id uuid NOT NULL REFERENCES {schema}.organization(id) ON DELETE CASCADE,
provider VARCHAR NOT NULL,
api_key VARCHAR NOT NULL,
updated_at TIMESTAMP NOT NULL DEFAULT now(),
PRIMARY KEY(organization_id, provider)
);`)
	return s
}

// EnsureProfile creates the profile of the authenticated user, or refreshes its email
func (s *Service) EnsureProfile(ctx context.Context, auth *access.Authorization) (*Profile, error) {
	if auth == nil || auth.UserID == uuid.Nil {
		return nil, core.ErrForbidden
	}
	p := Profile{UserID: auth.UserID}
	err := s.db.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.profile (user_id, email) VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET email = CASE WHEN $2 = '' THEN profile.email ELSE $2 END
RETURNING email, full_name, active_organization_id;`), auth.UserID, strings.ToLower(auth.Email)).
		Scan(&p.Email, &p.FullName, &p.ActiveOrganizationID)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Profile returns the profile of a user
func (s *Service) Profile(ctx context.Context, userID uuid.UUID) (*Profile, error) {
	p := Profile{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT email, full_name, active_organization_id FROM {schema}.profile WHERE user_id = $1;`), userID).
		Scan(&p.Email, &p.FullName, &p.ActiveOrganizationID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfileName sets the display name of a user
func (s *Service) UpdateProfileName(ctx context.Context, userID uuid.UUID, fullName string) error {
	_, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE {schema}.profile SET full_name = $2 WHERE user_id = $1;`), userID, fullName)
	return err
}

// ActiveOrganization returns the active organization of a user, or uuid.Nil
func (s *Service) ActiveOrganization(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	var id *uuid.UUID
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT active_organization_id FROM {schema}.profile WHERE user_id = $1;`), userID).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil || id == nil {
		return uuid.Nil, err
	}
	return *id, nil
}

// CreateOrganization creates an organization with the user as owner. The slug is
// derived from the name and made unique with a numeric suffix. The organization
// becomes the user's active organization if the user had none.
func (s *Service) CreateOrganization(ctx context.Context, auth *access.Authorization, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, core.Invalidf("name is missing")
	}
	if _, err := s.EnsureProfile(ctx, auth); err != nil {
		return nil, err
	}
	base := core.Slugify(name)
	if base == "" {
		base = "organization"
	}

	org := Organization{Name: name}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		for i := 1; ; i++ {
			slug := base
			if i > 1 {
				slug = base + "-" + strconv.Itoa(i)
			}
			var exists bool
			err := tx.QueryRowContext(ctx, s.db.Q(`SELECT EXISTS(SELECT 1 FROM {schema}.organization WHERE slug = $1);`), slug).Scan(&exists)
			if err != nil {
				return err
			}
			if !exists {
				org.Slug = slug
				break
			}
		}
		err := tx.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.organization (name, slug) VALUES ($1, $2) RETURNING id, created_at;`),
			org.Name, org.Slug).Scan(&org.ID, &org.CreatedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.membership (organization_id, user_id, role) VALUES ($1, $2, $3);`),
			org.ID, auth.UserID, access.RoleOwner)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Q(`UPDATE {schema}.profile SET active_organization_id = $2
WHERE user_id = $1 AND active_organization_id IS NULL;`), auth.UserID, org.ID)
		return err
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: slug %s is taken", core.ErrConflict, org.Slug)
		}
		return nil, err
	}
	org.Role = access.RoleOwner
	return &org, nil
}

// Organization returns an organization by id
func (s *Service) Organization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.organization(ctx, `id = $1`, id)
}

// OrganizationBySlug returns an organization by slug
func (s *Service) OrganizationBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.organization(ctx, `slug = $1`, slug)
}

func (s *Service) organization(ctx context.Context, where string, arg interface{}) (*Organization, error) {
	var org Organization
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT id, name, slug, created_at FROM {schema}.organization WHERE `+where+`;`), arg).
		Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("organization: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// Organizations returns the organizations of a user with the user's role, marking the active one
func (s *Service) Organizations(ctx context.Context, userID uuid.UUID) ([]Organization, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Q(`SELECT o.id, o.name, o.slug, o.created_at, m.role,
COALESCE(p.active_organization_id = o.id, false)
FROM {schema}.membership m
JOIN {schema}.organization o ON o.id = m.organization_id
LEFT JOIN {schema}.profile p ON p.user_id = m.user_id
WHERE m.user_id = $1 ORDER BY o.name;`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	orgs := []Organization{}
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt, &org.Role, &org.Active); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

// Role returns the role of a user in an organization. Non-members yield core.ErrNotFound.
func (s *Service) Role(ctx context.Context, organizationID, userID uuid.UUID) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT role FROM {schema}.membership WHERE organization_id = $1 AND user_id = $2;`),
		organizationID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("membership: %w", core.ErrNotFound)
	}
	return role, err
}

// IsMember returns true if the user is a member of the organization
func (s *Service) IsMember(ctx context.Context, organizationID, userID uuid.UUID) (bool, error) {
	_, err := s.Role(ctx, organizationID, userID)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SetActiveOrganization switches the active organization of a user. The user must be a member.
func (s *Service) SetActiveOrganization(ctx context.Context, auth *access.Authorization, organizationID uuid.UUID) error {
	if _, err := s.Role(ctx, organizationID, auth.UserID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return fmt.Errorf("%w: not a member of organization %s", core.ErrForbidden, organizationID)
		}
		return err
	}
	if _, err := s.EnsureProfile(ctx, auth); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Q(`UPDATE {schema}.profile SET active_organization_id = $2 WHERE user_id = $1;`),
		auth.UserID, organizationID)
	return err
}

// Members returns all members of an organization
func (s *Service) Members(ctx context.Context, organizationID uuid.UUID) ([]Member, error) {
	return s.members(ctx, organizationID, nil)
}

// Staff returns the owners and admins of an organization
func (s *Service) Staff(ctx context.Context, organizationID uuid.UUID) ([]Member, error) {
	return s.members(ctx, organizationID, []string{access.RoleOwner, access.RoleAdmin})
}

func (s *Service) members(ctx context.Context, organizationID uuid.UUID, roles []string) ([]Member, error) {
	query := `SELECT m.organization_id, m.user_id, m.role, m.created_at, COALESCE(p.email, ''), COALESCE(p.full_name, '')
FROM {schema}.membership m LEFT JOIN {schema}.profile p ON p.user_id = m.user_id
WHERE m.organization_id = $1`
	args := []interface{}{organizationID}
	if len(roles) > 0 {
		query += ` AND m.role = ANY($2)`
		args = append(args, pq.Array(roles))
	}
	rows, err := s.db.QueryContext(ctx, s.db.Q(query+` ORDER BY m.created_at;`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	members := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.CreatedAt, &m.Email, &m.FullName); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// AddMember adds the user with the given email to an organization. The user must have
// signed in before, so that a profile exists. Existing members get the new role.
// actorRole is the organization role of the caller: only owners may grant or revoke
// the owner role, and the last owner cannot be demoted.
func (s *Service) AddMember(ctx context.Context, organizationID uuid.UUID, email, role, actorRole string) (*Member, error) {
	if !ValidRole(role) {
		return nil, core.Invalidf("invalid role '%s'", role)
	}
	email = strings.ToLower(strings.TrimSpace(email))
	m := Member{Email: email}
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT user_id, full_name FROM {schema}.profile WHERE lower(email) = $1 LIMIT 1;`), email).
		Scan(&m.UserID, &m.FullName)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no user with email %s", core.ErrNotFound, email)
	}
	if err != nil {
		return nil, err
	}
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		current, err := s.lockMembership(ctx, tx, organizationID, m.UserID)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		if (role == access.RoleOwner || current == access.RoleOwner) && role != current {
			if err := s.checkOwnerChange(ctx, tx, organizationID, current, actorRole); err != nil {
				return err
			}
		}
		return tx.QueryRowContext(ctx, s.db.Q(`INSERT INTO {schema}.membership (organization_id, user_id, role) VALUES ($1, $2, $3)
ON CONFLICT (organization_id, user_id) DO UPDATE SET role = $3
RETURNING organization_id, role, created_at;`), organizationID, m.UserID, role).
			Scan(&m.OrganizationID, &m.Role, &m.CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// lockMembership returns the role of a membership and locks the row until the end of
// the transaction
func (s *Service) lockMembership(ctx context.Context, tx *sql.Tx, organizationID, userID uuid.UUID) (string, error) {
	var role string
	err := tx.QueryRowContext(ctx, s.db.Q(`SELECT role FROM {schema}.membership WHERE organization_id = $1 AND user_id = $2 FOR UPDATE;`),
		organizationID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("membership: %w", core.ErrNotFound)
	}
	return role, err
}

// checkOwnerChange allows owners to grant or revoke the owner role, and refuses to
// take it from the last owner
func (s *Service) checkOwnerChange(ctx context.Context, tx *sql.Tx, organizationID uuid.UUID, current, actorRole string) error {
	if actorRole != access.RoleOwner {
		return fmt.Errorf("%w: only owners can grant or revoke the owner role", core.ErrForbidden)
	}
	if current != access.RoleOwner {
		return nil
	}
	var owners int
	err := tx.QueryRowContext(ctx, s.db.Q(`SELECT count(*) FROM {schema}.membership WHERE organization_id = $1 AND role = $2;`),
		organizationID, access.RoleOwner).Scan(&owners)
	if err != nil {
		return err
	}
	if owners <= 1 {
		return fmt.Errorf("%w: the organization needs an owner", core.ErrConflict)
	}
	return nil
}

// RemoveMember removes a user from an organization. actorRole is the organization
// role of the caller. Only owners can remove owners, and the last owner cannot be
// removed.
func (s *Service) RemoveMember(ctx context.Context, organizationID, userID uuid.UUID, actorRole string) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		role, err := s.lockMembership(ctx, tx, organizationID, userID)
		if err != nil {
			return err
		}
		if role == access.RoleOwner {
			if err := s.checkOwnerChange(ctx, tx, organizationID, role, actorRole); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx, s.db.Q(`DELETE FROM {schema}.membership WHERE organization_id = $1 AND user_id = $2;`), organizationID, userID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.db.Q(`UPDATE {schema}.profile SET active_organization_id = NULL
WHERE user_id = $1 AND active_organization_id = $2;`), userID, organizationID)
		return err
	})
}
