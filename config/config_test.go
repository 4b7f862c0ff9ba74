package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/kss"
)

func TestLoad(t *testing.T) {
	t.Setenv("POSTGRES", "host=localhost port=5432 user=postgres dbname=postgres sslmode=disable")
	t.Setenv("JWT_SECRET", "super-secret-jwt-token-with-at-least-32-characters")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("KSS_DRIVER", "AWSS3")
	t.Setenv("S3_BUCKET", "voxtro-assets")
	t.Setenv("LOG_LEVEL", "debug")

	s, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "voxtro", s.Schema)
	assert.Equal(t, ":3000", s.Address)
	assert.Equal(t, 4, s.JobConcurrency)
	assert.Equal(t, logrus.DebugLevel, s.Level())
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, s.Brokers())
	assert.Equal(t, []string{"*"}, s.Origins())

	storage := s.KSS()
	assert.Equal(t, kss.DriverTypeAWSS3, storage.DriverType)
	require.NotNil(t, storage.S3Configuration)
	assert.Equal(t, "voxtro-assets", storage.S3Configuration.AWSBucketName)
	assert.Equal(t, "eu-central-1", storage.S3Configuration.AWSRegion)
}

func TestLoadRequiresJWT(t *testing.T) {
	t.Setenv("POSTGRES", "host=localhost")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JWT_CERTIFICATES_URL", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLevelFallback(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, (&Service{LogLevel: "chatty"}).Level())
	assert.Equal(t, kss.None, (&Service{}).KSS().DriverType)
}
