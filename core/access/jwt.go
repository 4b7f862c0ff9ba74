package access

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/registry"
)

// CookieName is the name of the cookie which may carry the JWT instead of the
// Authorization header
const CookieName = "Voxtro-JWT"

// Claims are the JWT claims issued by the identity provider
type Claims struct {
	Email       string `json:"email"`
	AppMetadata struct {
		Roles []string `json:"roles"`
	} `json:"app_metadata"`
	jwt.StandardClaims
}

// VerifierBuilder is a helper builder for the Verifier
type VerifierBuilder struct {
	// Secret is the shared secret for HS256 signed tokens. Optional.
	Secret string
	// PublicKeyDownloadURL is the download url for x509 certificates, a JSON object mapping
	// key ids to PEM encoded certificates. Optional.
	PublicKeyDownloadURL string
	// Issuer is the accepted issuer for the token. Empty accepts any issuer.
	Issuer string
	// Registry caches downloaded certificates. Mandatory with PublicKeyDownloadURL.
	Registry *registry.Registry
}

// Verifier validates JWT bearer tokens
type Verifier struct {
	secret        []byte
	issuer        string
	wellKnownKeys map[string]*rsa.PublicKey
}

// NewVerifier creates a token verifier. Certificates from PublicKeyDownloadURL are
// downloaded at most every 6 hours and otherwise read from the registry.
func NewVerifier(ctx context.Context, vb *VerifierBuilder) (*Verifier, error) {
	if vb.Secret == "" && vb.PublicKeyDownloadURL == "" {
		return nil, errors.New("either Secret or PublicKeyDownloadURL is required")
	}
	v := &Verifier{
		secret:        []byte(vb.Secret),
		issuer:        vb.Issuer,
		wellKnownKeys: map[string]*rsa.PublicKey{},
	}
	if vb.PublicKeyDownloadURL == "" {
		return v, nil
	}
	if vb.Registry == nil {
		return nil, errors.New("Registry is missing")
	}

	rlog := logger.FromContext(ctx)
	jwtRegistry := vb.Registry.Accessor("_jwt_")
	var wellKnownCertificates map[string]string
	timestamp, err := jwtRegistry.Read(ctx, vb.PublicKeyDownloadURL, &wellKnownCertificates)
	if err != nil {
		return nil, err
	}
	if time.Since(timestamp) > 6*time.Hour {
		downloaded, err := downloadCertificates(ctx, vb.PublicKeyDownloadURL)
		if err != nil {
			if len(wellKnownCertificates) == 0 {
				return nil, err
			}
			rlog.WithError(err).Warnln("cannot refresh certificates, using cached ones")
		} else {
			wellKnownCertificates = downloaded
			if err := jwtRegistry.Write(ctx, vb.PublicKeyDownloadURL, wellKnownCertificates); err != nil {
				rlog.WithError(err).Warnln("cannot cache certificates")
			}
		}
	}
	for kid, cert := range wellKnownCertificates {
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cert))
		if err != nil {
			rlog.WithError(err).Warnln("certificate error for kid", kid)
			continue
		}
		v.wellKnownKeys[kid] = key
	}
	return v, nil
}

func downloadCertificates(ctx context.Context, url string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 20 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("certificate download returned status %d", res.StatusCode)
	}
	certificates := map[string]string{}
	err = json.NewDecoder(res.Body).Decode(&certificates)
	return certificates, err
}

func (v *Verifier) keyLookup(token *jwt.Token) (interface{}, error) {
	switch token.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(v.secret) == 0 {
			return nil, errors.New("hmac signed tokens are not accepted")
		}
		return v.secret, nil
	case *jwt.SigningMethodRSA:
		kid, _ := token.Header["kid"].(string)
		if key, ok := v.wellKnownKeys[kid]; ok {
			return key, nil
		}
		return nil, fmt.Errorf("have %d well known keys, but not kid '%s'", len(v.wellKnownKeys), kid)
	default:
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
}

// Verify parses and validates a token and returns its claims
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyLookup)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, fmt.Errorf("unexpected issuer '%s'", claims.Issuer)
	}
	return claims, nil
}

// Authorization verifies the token and creates the authorization for its user
func (v *Verifier) Authorization(tokenString string) (*Authorization, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("subject is not a user id: %w", err)
	}
	auth := &Authorization{
		UserID: userID,
		Email:  strings.ToLower(claims.Email),
		Roles:  claims.AppMetadata.Roles,
	}
	if claims.ExpiresAt != 0 {
		auth.ExpiresAt = time.Unix(claims.ExpiresAt, 0)
	}
	return auth, nil
}

// BearerToken extracts the token from the Authorization header or from the
// Voxtro-JWT cookie. It returns an empty string if there is neither.
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 8 && strings.ToLower(bearer[:7]) == "bearer " {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(CookieName); cookie != nil {
		return cookie.Value
	}
	return ""
}

// NewJwtMiddelware returns a middleware handler to validate
// JWT bearer token.
//
// Tokens are accepted as "Authorization: Bearer" header or as "Voxtro-JWT" cookie.
// The token subject is the user id, the email claim the user's email and
// app_metadata.roles the platform roles.
//
// This is a final handler with regards to the bearer token. It will return
// http.StatusUnauthorized when a token is available but invalid. Requests without
// token pass on anonymously.
func NewJwtMiddelware(verifier *Verifier, authCache *AuthorizationCache) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if AuthorizationFromContext(r.Context()) != nil { // already authorized
				h.ServeHTTP(w, r)
				return
			}
			tokenString := BearerToken(r)
			if len(tokenString) == 0 {
				h.ServeHTTP(w, r) // no token no auth, moving on
				return
			}

			rlog := logger.FromContext(r.Context())
			auth := authCache.Read(tokenString)
			if auth == nil {
				var err error
				auth, err = verifier.Authorization(tokenString)
				if err != nil {
					rlog.WithError(err).Infoln("rejected token")
					http.Error(w, "invalid token", http.StatusUnauthorized)
					return
				}
				authCache.Write(tokenString, auth)
			}

			ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), auth.UserID.String())
			ctx = ContextWithAuthorization(ctx, auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
