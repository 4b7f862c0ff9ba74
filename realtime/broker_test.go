package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxtro/backend/core/access"
)

const testSecret = "realtime-secret-with-at-least-32-characters"

type memberships map[uuid.UUID][]uuid.UUID

func (m memberships) IsMember(ctx context.Context, organizationID, userID uuid.UUID) (bool, error) {
	for _, id := range m[userID] {
		if id == organizationID {
			return true, nil
		}
	}
	return false, nil
}

func token(t *testing.T, userID uuid.UUID, expires time.Time) string {
	claims := access.Claims{Email: "jane@acme.test"}
	claims.Subject = userID.String()
	claims.ExpiresAt = expires.Unix()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func newBroker(t *testing.T, m memberships) *Broker {
	verifier, err := access.NewVerifier(context.Background(), &access.VerifierBuilder{Secret: testSecret})
	require.NoError(t, err)
	return New(&Builder{Address: "127.0.0.1:0", Verifier: verifier, Members: m})
}

func TestAuthenticate(t *testing.T) {
	jane, joe := uuid.New(), uuid.New()
	b := newBroker(t, memberships{})

	userID, err := b.p.authenticate(jane.String(), token(t, jane, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, jane, userID)

	_, err = b.p.authenticate(joe.String(), token(t, jane, time.Now().Add(time.Hour)))
	assert.Error(t, err)
	_, err = b.p.authenticate("jane", token(t, jane, time.Now().Add(time.Hour)))
	assert.Error(t, err)
	_, err = b.p.authenticate(jane.String(), token(t, jane, time.Now().Add(-time.Hour)))
	assert.Error(t, err)
	_, err = b.p.authenticate(jane.String(), "not-a-token")
	assert.Error(t, err)
}

func TestTopicPolicy(t *testing.T) {
	jane := uuid.New()
	acme, initech := uuid.New(), uuid.New()
	b := newBroker(t, memberships{jane: {acme}})
	ctx := context.Background()

	assert.True(t, b.p.maySubscribe(ctx, jane, "voxtro/"+acme.String()+"/notifications"))
	assert.True(t, b.p.maySubscribe(ctx, jane, "voxtro/"+acme.String()+"/#"))
	assert.False(t, b.p.maySubscribe(ctx, jane, "voxtro/"+initech.String()+"/notifications"))
	assert.False(t, b.p.maySubscribe(ctx, jane, "voxtro/#"))
	assert.False(t, b.p.maySubscribe(ctx, jane, "voxtro/+/notifications"))
	assert.False(t, b.p.maySubscribe(ctx, jane, "voxtro/"+acme.String()))
	assert.False(t, b.p.maySubscribe(ctx, jane, "other/topic"))
	assert.False(t, b.p.maySubscribe(ctx, uuid.Nil, "voxtro/"+acme.String()+"/notifications"))

	assert.False(t, mayPublish("voxtro/"+acme.String()+"/notifications"))
	assert.True(t, mayPublish("clients/"+jane.String()+"/presence"))
}

func TestPublishBeforeRun(t *testing.T) {
	b := newBroker(t, memberships{})
	assert.Error(t, b.Publish(context.Background(), "voxtro/x/notifications", []byte("{}")))
}

func TestPublishWhileRunning(t *testing.T) {
	b := newBroker(t, memberships{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return b.Publish(ctx, "voxtro/x/notifications", []byte("{}")) == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("broker did not stop")
	}
}

func TestNewPanics(t *testing.T) {
	assert.PanicsWithValue(t, "Address is missing", func() { New(&Builder{}) })
}
