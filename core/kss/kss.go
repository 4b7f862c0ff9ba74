// Package kss stores large files outside of the database.
//
// There are two backends: a local filesystem, served through signed URLs by the
// service itself, and AWS S3.
package kss

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/mux"
)

// Method is a http method a presigned URL is valid for
type Method string

// Methods which can be presigned
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the KSS service
type Driver interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (URL string, err error)
	Delete(ctx context.Context, key string) error
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
	// PublicURL is the externally visible base URL of the service, used for signed URLs
	PublicURL string
	// SigningKey signs the URLs. When empty, a random key is generated, which only
	// works for a single instance.
	SigningKey string
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AWSBucketName string
	AWSRegion     string
	AccessID      string
	AccessKey     string
	KeyPrefix     string
	// Endpoint overrides the S3 endpoint, e.g. for minio
	Endpoint string
}

// New returns the configured driver, or nil if the driver type is None. The local
// filesystem installs its file route on router.
func New(ctx context.Context, router *mux.Router, config Configuration) (Driver, error) {
	switch config.DriverType {
	case None:
		return nil, nil
	case DriverTypeLocal:
		if config.LocalConfiguration == nil {
			return nil, fmt.Errorf("missing local configuration")
		}
		publicURL, err := url.Parse(config.LocalConfiguration.PublicURL)
		if err != nil {
			return nil, fmt.Errorf("invalid public URL: %w", err)
		}
		return NewLocalFilesystem(router, *config.LocalConfiguration, *publicURL)
	case DriverTypeAWSS3:
		if config.S3Configuration == nil {
			return nil, fmt.Errorf("missing S3 configuration")
		}
		return NewS3(ctx, *config.S3Configuration)
	}
	return nil, fmt.Errorf("unknown kss driver type '%s'", config.DriverType)
}
