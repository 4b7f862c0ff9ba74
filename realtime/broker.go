/*
Package realtime runs the MQTT broker which pushes in-app notifications to the dashboard.

Clients connect with their user id as username and a valid JWT of the same user as
password. They may subscribe to topics below voxtro/{organization_id}/ of the
organizations they belong to. Topics below voxtro/ are written by the server only.
*/
package realtime

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/google/uuid"

	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
)

// TopicPrefix is the prefix of all server side topics
const TopicPrefix = "voxtro/"

// TokenVerifier verifies the JWT a client presents as password
type TokenVerifier interface {
	Authorization(token string) (*access.Authorization, error)
}

// Members checks organization membership
type Members interface {
	IsMember(ctx context.Context, organizationID, userID uuid.UUID) (bool, error)
}

// Broker is the realtime MQTT broker
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address is the TCP address to listen on, for example ":1883". Mandatory.
	Address string
	// Verifier verifies the passwords of connecting clients. Mandatory.
	Verifier TokenVerifier
	// Members authorizes subscriptions. Mandatory.
	Members Members
}

type plugin struct {
	address  string
	verifier TokenVerifier
	members  Members

	mutex   sync.RWMutex
	service gmqtt.Server
}

// New returns a new broker. The broker does not listen until Run is called.
func New(bb *Builder) *Broker {
	if bb.Address == "" {
		panic("Address is missing")
	}
	if bb.Verifier == nil {
		panic("Verifier is missing")
	}
	if bb.Members == nil {
		panic("Members is missing")
	}
	return &Broker{p: &plugin{address: bb.Address, verifier: bb.Verifier, members: bb.Members}}
}

// Run listens on the configured address and serves clients until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.p.address)
	if err != nil {
		return err
	}
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.FromContext(ctx).Infoln("realtime broker listening on", b.p.address)
	<-ctx.Done()
	logger.FromContext(ctx).Infoln("realtime broker stopping")
	return s.Stop(context.Background())
}

// Publish publishes payload on topic with quality of service 1
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	service := b.p.server()
	if service == nil {
		return errors.New("realtime broker is not running")
	}
	logger.FromContext(ctx).Debugf("realtime publish on %s (%d bytes)", topic, len(payload))
	service.PublishService().Publish(gmqtt.NewMessage(topic, payload, packets.QOS_1))
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mutex.Lock()
	p.service = service
	p.mutex.Unlock()
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.mutex.Lock()
	p.service = nil
	p.mutex.Unlock()
	return nil
}

func (p *plugin) server() gmqtt.Server {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.service
}

// Name implements plugin interface
func (p *plugin) Name() string { return "voxtro realtime" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// authenticate returns the user of a connecting client
func (p *plugin) authenticate(username, password string) (uuid.UUID, error) {
	userID, err := uuid.Parse(username)
	if err != nil {
		return uuid.Nil, errors.New("username is not a user id")
	}
	auth, err := p.verifier.Authorization(password)
	if err != nil {
		return uuid.Nil, err
	}
	if auth.UserID != userID {
		return uuid.Nil, errors.New("token belongs to another user")
	}
	return userID, nil
}

// mayPublish returns false for server side topics
func mayPublish(topic string) bool {
	return !strings.HasPrefix(topic, TopicPrefix)
}

// maySubscribe returns true if the topic lies below an organization the user
// belongs to. Wildcards are only accepted after the organization id.
func (p *plugin) maySubscribe(ctx context.Context, userID uuid.UUID, topic string) bool {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return false
	}
	parts := strings.SplitN(strings.TrimPrefix(topic, TopicPrefix), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return false
	}
	organizationID, err := uuid.Parse(parts[0])
	if err != nil {
		return false
	}
	member, err := p.members.IsMember(ctx, organizationID, userID)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6501: cannot check membership")
		return false
	}
	return member
}

// OnConnectWrapper authenticates clients with their JWT
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		options := client.OptionsReader()
		userID, err := p.authenticate(options.Username(), options.Password())
		if err != nil {
			logger.FromContext(ctx).Infof("Error 6502: realtime connect denied for %q: %v", options.Username(), err)
			return packets.CodeNotAuthorized
		}
		logger.FromContext(ctx).Debugln("realtime connect", userID, options.ClientID())
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		userID, _ := uuid.Parse(client.OptionsReader().Username())
		if !p.maySubscribe(ctx, userID, topic.Name) {
			logger.FromContext(ctx).Infoln("realtime subscribe", userID, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper drops client messages to server side topics
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		if !mayPublish(msg.Topic()) {
			logger.FromContext(ctx).Infoln("realtime publish to", msg.Topic(), "by", client.OptionsReader().Username(), "denied")
			return false
		}
		return arrived(ctx, client, msg)
	}
}
