package kss

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/logger"
)

// FilesystemRoute is the route on which the local filesystem serves signed URLs
const FilesystemRoute = "/kss/filesystem"

// LocalFilesystem stores files below a base folder and serves them through signed URLs
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	signingKey []byte
}

// NewLocalFilesystem returns a new LocalFilesystem and installs its route on router
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	key := []byte(config.SigningKey)
	if len(key) == 0 {
		logger.Default().Warn("No signing key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, err
	}
	f := &LocalFilesystem{baseFolder: config.BasePath, publicURL: publicURL, signingKey: key}
	if router != nil {
		logger.Default().Debugln("filesystem routes enabled")
		logger.Default().Debugln("  handle route:", FilesystemRoute, "GET,PUT")
		router.Handle(FilesystemRoute, http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut)
	}
	return f, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: '..' is not allowed in a key", core.ErrInvalid)
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	v := r.URL.Query()
	key := v.Get("key")
	method := v.Get("method")

	if !f.isValid(v) {
		rlog.Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}
	if r.Method != method {
		rlog.Errorf("Signature valid for %s, but was used for %s", method, r.Method)
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := f.Download(r.Context(), key)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if contentType, err := os.ReadFile(f.contentTypePath(key)); err == nil {
			w.Header().Set("Content-Type", string(contentType))
		}
		w.Write(data)
	case http.MethodPut:
		data, err := io.ReadAll(io.LimitReader(r.Body, 200*1024*1024))
		if err != nil {
			rlog.WithError(err).Errorf("Error 5010: Could not read body for key: '%s'", key)
			http.Error(w, "Error 5010", http.StatusInternalServerError)
			return
		}
		if err := f.Upload(r.Context(), key, r.Header.Get("Content-Type"), data); err != nil {
			rlog.WithError(err).Errorf("Error 5011: Could not store key: '%s'", key)
			http.Error(w, "Error 5011", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *LocalFilesystem) contentTypePath(key string) string {
	p, _ := f.path(key)
	return p + ".content-type"
}

// Upload stores data under key
func (f *LocalFilesystem) Upload(ctx context.Context, key, contentType string, data []byte) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0600); err != nil {
		return err
	}
	if contentType != "" {
		return os.WriteFile(f.contentTypePath(key), []byte(contentType), 0600)
	}
	return nil
}

// Download returns the content of key
func (f *LocalFilesystem) Download(ctx context.Context, key string) ([]byte, error) {
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, key)
	}
	return data, err
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	p, err := f.path(key)
	if err != nil {
		return err
	}
	os.Remove(p + ".content-type")
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteAllWithPrefix deletes all keys below the prefix folder
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	p, err := f.path(prefix)
	if err != nil {
		return err
	}
	return os.RemoveAll(p)
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method until expiry time is passed
// key must be a valid file name
func (f *LocalFilesystem) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	if _, err := f.path(key); err != nil {
		return "", err
	}
	if method != Get && method != Put {
		return "", fmt.Errorf("%s unsupported method to presign '%s'", method, key)
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", time.Now().Add(expireIn).UTC().Format(time.RFC3339))
	v.Set("method", string(method))
	v.Set("signature", f.sign(v))
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + FilesystemRoute,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

func (f *LocalFilesystem) sign(v url.Values) string {
	mac := hmac.New(sha256.New, f.signingKey)
	mac.Write([]byte(v.Get("method") + "\n" + v.Get("key") + "\n" + v.Get("expiry")))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// isValid tells whether or not the signed query is valid and not expired
func (f *LocalFilesystem) isValid(v url.Values) bool {
	key := v.Get("key")
	if key == "" || strings.Contains(key, "..") {
		return false
	}
	t, err := time.Parse(time.RFC3339, v.Get("expiry"))
	if err != nil || t.Before(time.Now()) {
		return false
	}
	return hmac.Equal([]byte(f.sign(v)), []byte(v.Get("signature")))
}
