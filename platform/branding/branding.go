// Package branding stores the look of an organization's customer portal
package branding

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/kss"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
	"github.com/voxtro/backend/platform/tenancy"
)

// Default colors of organizations which did not configure their own
const (
	DefaultPrimaryColor   = "#4f46e5"
	DefaultSecondaryColor = "#0ea5e9"
)

const (
	uploadExpiry   = 15 * time.Minute
	downloadExpiry = time.Hour
)

// Branding is the portal branding of an organization
type Branding struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	CompanyName    string    `json:"company_name"`
	LogoKey        string    `json:"logo_key,omitempty"`
	LogoURL        string    `json:"logo_url,omitempty"`
	PrimaryColor   string    `json:"primary_color"`
	SecondaryColor string    `json:"secondary_color"`
	CustomDomain   string    `json:"custom_domain"`
	SupportEmail   string    `json:"support_email"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Organizations looks up organizations
type Organizations interface {
	Organization(ctx context.Context, id uuid.UUID) (*tenancy.Organization, error)
	OrganizationBySlug(ctx context.Context, slug string) (*tenancy.Organization, error)
}

// Service is the branding service
type Service struct {
	db            *csql.DB
	validator     *schema.Validator
	organizations Organizations
	kss           kss.Driver
}

// Builder is a builder helper for the Service
type Builder struct {
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Validator validates request bodies. Mandatory.
	Validator *schema.Validator
	// Organizations resolves organizations. Mandatory.
	Organizations Organizations
	// KSS stores the logos. Optional, without it logos cannot be uploaded.
	KSS kss.Driver
}

// New creates the branding table and returns the service
func New(bb *Builder) *Service {
	if bb.DB == nil {
		panic("DB is missing")
	}
	if bb.Validator == nil {
		panic("Validator is missing")
	}
	if bb.Organizations == nil {
		panic("Organizations is missing")
	}
	s := &Service{db: bb.DB, validator: bb.Validator, organizations: bb.Organizations, kss: bb.KSS}
	s.db.MustExec(`CREATE TABLE IF NOT EXISTS {schema}.branding (
organization_id uuid NOT NULL PRIMARY KEY,
company_name VARCHAR NOT NULL DEFAULT '',
logo_key VARCHAR NOT NULL DEFAULT '',
primary_color VARCHAR NOT NULL DEFAULT '` + DefaultPrimaryColor + `',
secondary_color VARCHAR NOT NULL DEFAULT '` + DefaultSecondaryColor + `',
custom_domain VARCHAR,
support_email VARCHAR NOT NULL DEFAULT '',
updated_at TIMESTAMP NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS branding_domain_index ON {schema}.branding(lower(custom_domain));`)
	return s
}

// LogoKey returns the storage key of an organization's logo
func LogoKey(organizationID uuid.UUID) string {
	return "branding/" + organizationID.String() + "/logo"
}

func (s *Service) load(ctx context.Context, where string, arg interface{}) (*Branding, error) {
	var b Branding
	var domain sql.NullString
	err := s.db.QueryRowContext(ctx, s.db.Q(`SELECT organization_id, company_name, logo_key, primary_color, secondary_color,
custom_domain, support_email, updated_at FROM {schema}.branding WHERE `+where+`;`), arg).
		Scan(&b.OrganizationID, &b.CompanyName, &b.LogoKey, &b.PrimaryColor, &b.SecondaryColor, &domain, &b.SupportEmail, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("branding: %w", core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.CustomDomain = domain.String
	return &b, nil
}

// complete fills in defaults and presigns the logo URL
func (s *Service) complete(ctx context.Context, b *Branding) *Branding {
	if b.CompanyName == "" {
		if org, err := s.organizations.Organization(ctx, b.OrganizationID); err == nil {
			b.CompanyName = org.Name
		}
	}
	if b.LogoKey != "" && s.kss != nil {
		url, err := s.kss.GetPreSignedURL(ctx, kss.Get, b.LogoKey, downloadExpiry)
		if err != nil {
			logger.FromContext(ctx).Warnf("cannot presign logo of %s: %v", b.OrganizationID, err)
		}
		b.LogoURL = url
	}
	return b
}

// Get returns the branding of an organization. Organizations without branding
// get the defaults.
func (s *Service) Get(ctx context.Context, organizationID uuid.UUID) (*Branding, error) {
	b, err := s.load(ctx, `organization_id = $1`, organizationID)
	if errors.Is(err, core.ErrNotFound) {
		b, err = &Branding{
			OrganizationID: organizationID,
			PrimaryColor:   DefaultPrimaryColor,
			SecondaryColor: DefaultSecondaryColor,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.complete(ctx, b), nil
}

// Input are the writable fields of a branding
type Input struct {
	CompanyName    *string `json:"company_name"`
	PrimaryColor   *string `json:"primary_color"`
	SecondaryColor *string `json:"secondary_color"`
	CustomDomain   *string `json:"custom_domain"`
	SupportEmail   *string `json:"support_email"`
}

// Update updates the given fields. An empty custom domain removes it.
func (s *Service) Update(ctx context.Context, organizationID uuid.UUID, in Input) (*Branding, error) {
	var domain *string
	if in.CustomDomain != nil {
		d := strings.ToLower(strings.TrimSpace(*in.CustomDomain))
		domain = &d
	}
	_, err := s.db.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.branding (organization_id) VALUES ($1) ON CONFLICT DO NOTHING;`), organizationID)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.db.Q(`UPDATE {schema}.branding SET
company_name = COALESCE($2, company_name),
primary_color = COALESCE($3, primary_color),
secondary_color = COALESCE($4, secondary_color),
custom_domain = CASE WHEN $5::varchar IS NULL THEN custom_domain ELSE NULLIF($5::varchar, '') END,
support_email = COALESCE($6, support_email),
updated_at = now()
WHERE organization_id = $1;`), organizationID, in.CompanyName, in.PrimaryColor, in.SecondaryColor, domain, in.SupportEmail)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("%w: domain %s is used by another organization", core.ErrConflict, *domain)
		}
		return nil, err
	}
	return s.Get(ctx, organizationID)
}

// LogoUpload is a presigned upload of a logo
type LogoUpload struct {
	UploadURL string    `json:"upload_url"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartLogoUpload returns a presigned URL the client uploads the logo to, and stores
// the logo key with the branding.
func (s *Service) StartLogoUpload(ctx context.Context, organizationID uuid.UUID) (*LogoUpload, error) {
	if s.kss == nil {
		return nil, fmt.Errorf("%w: file storage is not configured", core.ErrInvalid)
	}
	key := LogoKey(organizationID)
	url, err := s.kss.GetPreSignedURL(ctx, kss.Put, key, uploadExpiry)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, s.db.Q(`INSERT INTO {schema}.branding (organization_id, logo_key) VALUES ($1, $2)
ON CONFLICT (organization_id) DO UPDATE SET logo_key = $2, updated_at = now();`), organizationID, key)
	if err != nil {
		return nil, err
	}
	return &LogoUpload{UploadURL: url, Key: key, ExpiresAt: time.Now().Add(uploadExpiry).UTC()}, nil
}

// Public returns the branding for the portal login page, by custom domain or by
// organization slug.
func (s *Service) Public(ctx context.Context, domain, slug string) (*Branding, error) {
	if domain = strings.ToLower(strings.TrimSpace(domain)); domain != "" {
		b, err := s.load(ctx, `lower(custom_domain) = $1`, domain)
		if err != nil {
			return nil, err
		}
		return s.complete(ctx, b), nil
	}
	if slug == "" {
		return nil, core.Invalidf("domain or organization is required")
	}
	org, err := s.organizations.OrganizationBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, org.ID)
}

// HandleRoutes installs the branding routes on the dashboard router
func (s *Service) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("branding")
	logger.Default().Debugln("  handle route: /branding GET,PUT")
	logger.Default().Debugln("  handle route: /branding/logo POST")

	router.Handle("/branding", access.Require(core.OperationRead, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			b, err := s.Get(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5601", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, b)
		}))).Methods(http.MethodGet)

	router.Handle("/branding", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			var in Input
			if err := rest.ReadJSON(r, s.validator, schema.ID("branding-update"), &in); err != nil {
				rest.Error(w, r, "5602", err)
				return
			}
			b, err := s.Update(r.Context(), auth.OrganizationID, in)
			if err != nil {
				rest.Error(w, r, "5602", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, b)
		}))).Methods(http.MethodPut)

	router.Handle("/branding/logo", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			upload, err := s.StartLogoUpload(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5603", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, upload)
		}))).Methods(http.MethodPost)
}

// HandlePublicRoutes installs the unauthenticated branding lookup
func (s *Service) HandlePublicRoutes(router *mux.Router) {
	logger.Default().Debugln("  handle route: /public/branding GET")
	router.HandleFunc("/public/branding", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		b, err := s.Public(r.Context(), q.Get("domain"), q.Get("organization"))
		if err != nil {
			rest.Error(w, r, "5604", err)
			return
		}
		// the login page does not need the internal key
		b.LogoKey = ""
		rest.WriteJSON(w, http.StatusOK, b)
	}).Methods(http.MethodGet)
}
