/*
Package config holds the environment configuration of the Voxtro service.

All settings are read from environment variables with envdecode. Vendor
integrations without an API key are disabled, and the features that depend on
them log a warning instead of failing.

Use for local development:

	POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
	POSTGRES_PASSWORD="docker"
	JWT_SECRET="super-secret-jwt-token-with-at-least-32-characters"
*/
package config

import (
	"errors"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/voxtro/backend/core/kss"
)

// Service holds the configuration for the service
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	Schema           string `env:"SCHEMA,default=voxtro" description:"the database schema of all tables"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level: debug, info, warning or error"`
	Address          string `env:"ADDRESS,default=:3000" description:"the listen address of the HTTP server"`
	CORSOrigins      string `env:"CORS_ORIGINS,default=*" description:"comma separated list of allowed CORS origins"`

	JWTSecret          string `env:"JWT_SECRET" description:"the shared secret of HS256 signed tokens"`
	JWTCertificatesURL string `env:"JWT_CERTIFICATES_URL" description:"the download URL of the x509 certificates of RS256 signed tokens"`
	JWTIssuer          string `env:"JWT_ISSUER" description:"the accepted token issuer, empty accepts any"`
	ServiceToken       string `env:"SERVICE_TOKEN" description:"bearer token with platform admin role for operator scripts"`

	AppURL    string `env:"APP_URL,default=http://localhost:5173" description:"the dashboard URL linked from notifications"`
	PortalURL string `env:"PORTAL_URL,default=http://localhost:5173/portal" description:"the customer portal URL linked from emails"`

	JobConcurrency   int `env:"JOB_CONCURRENCY,default=4" description:"the number of job workers"`
	HeartbeatSeconds int `env:"HEARTBEAT_SECONDS,default=60" description:"the interval of scheduled job processing and the crawl sweep check"`

	VoiceAPIKey        string `env:"VAPI_API_KEY" description:"the platform key of the voice AI API"`
	VoiceBaseURL       string `env:"VAPI_BASE_URL" description:"overrides the voice AI API URL"`
	VoiceWebhookSecret string `env:"VAPI_WEBHOOK_SECRET" description:"the shared secret of voice webhook deliveries"`

	ConvAIAPIKey        string `env:"ELEVENLABS_API_KEY" description:"the platform key of the conversational AI API"`
	ConvAIBaseURL       string `env:"ELEVENLABS_BASE_URL" description:"overrides the conversational AI API URL"`
	ConvAIWebhookSecret string `env:"ELEVENLABS_WEBHOOK_SECRET" description:"the signing secret of WhatsApp webhook deliveries"`

	CrawlerAPIKey  string `env:"FIRECRAWL_API_KEY" description:"the key of the crawling API"`
	CrawlerBaseURL string `env:"FIRECRAWL_BASE_URL" description:"overrides the crawling API URL"`

	EmailAPIKey  string `env:"RESEND_API_KEY" description:"the key of the email delivery API"`
	EmailBaseURL string `env:"RESEND_BASE_URL" description:"overrides the email delivery API URL"`
	EmailFrom    string `env:"EMAIL_FROM,default=Voxtro <notifications@voxtro.app>" description:"the sender of all emails"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY" description:"the key of the LLM API"`
	GeminiModel   string `env:"GEMINI_MODEL" description:"overrides the LLM model"`
	GeminiBaseURL string `env:"GEMINI_BASE_URL" description:"overrides the LLM API URL"`

	KSSDriver     string `env:"KSS_DRIVER" description:"object storage: empty, Local or AWSS3"`
	KSSLocalPath  string `env:"KSS_LOCAL_PATH,default=/tmp/voxtro-kss" description:"the directory of the Local driver"`
	KSSPublicURL  string `env:"KSS_PUBLIC_URL,default=http://localhost:3000" description:"the public URL of this service, used by the Local driver"`
	KSSSigningKey string `env:"KSS_SIGNING_KEY" description:"signs Local driver URLs"`
	S3Bucket      string `env:"S3_BUCKET" description:"the bucket of the AWSS3 driver"`
	S3Region      string `env:"S3_REGION,default=eu-central-1" description:"the region of the AWSS3 driver"`
	S3AccessID    string `env:"S3_ACCESS_ID" description:"the access key id of the AWSS3 driver, empty uses the default credentials"`
	S3AccessKey   string `env:"S3_ACCESS_KEY" description:"the secret access key of the AWSS3 driver"`
	S3KeyPrefix   string `env:"S3_KEY_PREFIX" description:"prefixes all object keys"`
	S3Endpoint    string `env:"S3_ENDPOINT" description:"overrides the S3 endpoint, e.g. for minio"`

	KafkaBrokers string `env:"KAFKA_BROKERS" description:"comma separated Kafka brokers receiving domain events"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL" description:"the SQS queue receiving domain events, when Kafka is not configured"`
	SQSRegion    string `env:"SQS_REGION,default=eu-central-1" description:"the region of the SQS queue"`

	MQTTAddress string `env:"MQTT_ADDRESS" description:"the listen address of the realtime broker, empty disables it"`
}

// Load reads the configuration from the environment
func Load() (*Service, error) {
	service := &Service{}
	if err := envdecode.StrictDecode(service); err != nil {
		return nil, err
	}
	if service.JWTSecret == "" && service.JWTCertificatesURL == "" {
		return nil, errors.New("either JWT_SECRET or JWT_CERTIFICATES_URL is required")
	}
	return service, nil
}

// Level returns the parsed log level, info if it is invalid
func (s *Service) Level() logrus.Level {
	level, err := logrus.ParseLevel(s.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Origins returns the allowed CORS origins
func (s *Service) Origins() []string {
	return split(s.CORSOrigins)
}

// Brokers returns the Kafka brokers
func (s *Service) Brokers() []string {
	return split(s.KafkaBrokers)
}

// KSS returns the object storage configuration
func (s *Service) KSS() kss.Configuration {
	switch kss.DriverType(s.KSSDriver) {
	case kss.DriverTypeLocal:
		return kss.Configuration{
			DriverType: kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{
				BasePath:   s.KSSLocalPath,
				PublicURL:  s.KSSPublicURL,
				SigningKey: s.KSSSigningKey,
			},
		}
	case kss.DriverTypeAWSS3:
		return kss.Configuration{
			DriverType: kss.DriverTypeAWSS3,
			S3Configuration: &kss.S3Configuration{
				AWSBucketName: s.S3Bucket,
				AWSRegion:     s.S3Region,
				AccessID:      s.S3AccessID,
				AccessKey:     s.S3AccessKey,
				KeyPrefix:     s.S3KeyPrefix,
				Endpoint:      s.S3Endpoint,
			},
		}
	}
	return kss.Configuration{DriverType: kss.DriverType(s.KSSDriver)}
}

func split(list string) []string {
	result := []string{}
	for _, item := range strings.Split(list, ",") {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}
