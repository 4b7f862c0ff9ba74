/*
Package api assembles the Voxtro HTTP service.

New creates every platform service on one database and installs their routes on
a single mux router. Requests pass these layers:

  - CORS and panic recovery around the router
  - a request ID logger, request metrics, the service token and the JWT
  - public routes: version, health, metrics, branding lookup, widget and webhooks
  - user routes: profile and organizations
  - the customer portal below /portal, scoped by the portal middleware
  - the dashboard, scoped to one organization by the tenancy middleware

The same Server runs as HTTP server, as AWS Lambda behind API Gateway, and as
scheduled Lambda.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/config"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/bus"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/jobs"
	"github.com/voxtro/backend/core/kss"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
	"github.com/voxtro/backend/core/registry"
	"github.com/voxtro/backend/integrations/convai"
	"github.com/voxtro/backend/integrations/crawler"
	"github.com/voxtro/backend/integrations/email"
	"github.com/voxtro/backend/integrations/llm"
	"github.com/voxtro/backend/integrations/voiceai"
	"github.com/voxtro/backend/platform/branding"
	"github.com/voxtro/backend/platform/changelog"
	"github.com/voxtro/backend/platform/chatbots"
	"github.com/voxtro/backend/platform/crawl"
	"github.com/voxtro/backend/platform/customers"
	"github.com/voxtro/backend/platform/leads"
	"github.com/voxtro/backend/platform/notify"
	"github.com/voxtro/backend/platform/portal"
	"github.com/voxtro/backend/platform/schemas"
	"github.com/voxtro/backend/platform/support"
	"github.com/voxtro/backend/platform/tenancy"
	"github.com/voxtro/backend/platform/voice"
	"github.com/voxtro/backend/platform/whatsapp"
	"github.com/voxtro/backend/realtime"
)

// Version is the version of the current build
var Version = "unset"

// Server is the assembled service
type Server struct {
	// Router has all routes
	Router *mux.Router
	// Jobs is the job queue of all background work
	Jobs *jobs.Queue
	// Crawl runs crawls and the crawl scheduler
	Crawl *crawl.Service
	// Broker is the realtime broker, nil when MQTTAddress is not configured
	Broker *realtime.Broker

	config  *config.Service
	bus     bus.Publisher
	handler http.Handler
	proxy   *httpadapter.HandlerAdapter
}

// Builder is a builder helper for the Server
type Builder struct {
	// Config is the service configuration. Mandatory.
	Config *config.Service
	// DB is the postgres database. Mandatory.
	DB *csql.DB
	// Completer overrides the LLM built from the configuration
	Completer llm.Completer
	// Bus overrides the domain event publisher built from the configuration
	Bus bus.Publisher
}

// New creates all services and their tables and installs the routes
func New(ctx context.Context, bb *Builder) (*Server, error) {
	if bb.Config == nil {
		panic("Config is missing")
	}
	if bb.DB == nil {
		panic("DB is missing")
	}
	cfg := bb.Config
	db := bb.DB
	rlog := logger.FromContext(ctx)

	reg := registry.New(db)
	verifier, err := access.NewVerifier(ctx, &access.VerifierBuilder{
		Secret:               cfg.JWTSecret,
		PublicKeyDownloadURL: cfg.JWTCertificatesURL,
		Issuer:               cfg.JWTIssuer,
		Registry:             &reg,
	})
	if err != nil {
		return nil, err
	}

	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Use(metrics.Middleware)
	router.Use(access.NewServiceTokenMiddelware(cfg.ServiceToken))
	router.Use(access.NewJwtMiddelware(verifier, access.NewAuthorizationCache(5*time.Minute)))

	storage, err := kss.New(ctx, router, cfg.KSS())
	if err != nil {
		return nil, err
	}
	if storage == nil {
		rlog.Warnln("no object storage configured, logo uploads and crawl snapshots are disabled")
	}

	publisher := bb.Bus
	if publisher == nil {
		if publisher, err = newBus(ctx, cfg); err != nil {
			return nil, err
		}
	}

	completer := bb.Completer
	if completer == nil {
		gemini, err := llm.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiBaseURL)
		if err != nil {
			return nil, err
		}
		if gemini != nil {
			completer = gemini
		} else {
			rlog.Warnln("no LLM configured, widget replies use a fallback and no leads are extracted")
		}
	}

	validator := schemas.MustValidator()
	queue := jobs.New(&jobs.Builder{DB: db, Concurrency: cfg.JobConcurrency})
	tenants := tenancy.New(&tenancy.Builder{DB: db, Validator: validator})

	s := &Server{Router: router, Jobs: queue, config: cfg, bus: publisher}
	if cfg.MQTTAddress != "" {
		s.Broker = realtime.New(&realtime.Builder{Address: cfg.MQTTAddress, Verifier: verifier, Members: tenants})
	}

	notifyBuilder := &notify.Builder{
		DB:        db,
		Jobs:      queue,
		Validator: validator,
		Directory: tenants,
		Bus:       publisher,
	}
	if sender := email.New(cfg.EmailBaseURL, cfg.EmailAPIKey, cfg.EmailFrom); sender != nil {
		notifyBuilder.Email = sender
	} else {
		rlog.Warnln("no email delivery configured, notifications are in-app only")
	}
	if s.Broker != nil {
		notifyBuilder.Realtime = s.Broker
	}
	notifier := notify.New(notifyBuilder)

	customerService := customers.New(&customers.Builder{DB: db, Validator: validator, Notifier: notifier, PortalURL: cfg.PortalURL})
	brandingService := branding.New(&branding.Builder{DB: db, Validator: validator, Organizations: tenants, KSS: storage})
	leadService := leads.New(&leads.Builder{
		DB:        db,
		Jobs:      queue,
		Validator: validator,
		Completer: completer,
		Notifier:  notifier,
		AppURL:    cfg.AppURL,
	})
	chatbotService := chatbots.New(&chatbots.Builder{
		DB:        db,
		Validator: validator,
		Completer: completer,
		Leads:     leadService,
		Customers: customerService,
	})
	crawlBuilder := &crawl.Builder{
		DB:       db,
		Jobs:     queue,
		Chatbots: chatbotService,
		KSS:      storage,
		Notifier: notifier,
		AppURL:   cfg.AppURL,
	}
	if c := crawler.New(cfg.CrawlerBaseURL, cfg.CrawlerAPIKey); c != nil {
		crawlBuilder.Crawler = c
	} else {
		rlog.Warnln("no crawling API configured, crawls will fail")
	}
	s.Crawl = crawl.New(crawlBuilder)
	voiceService := voice.New(&voice.Builder{
		DB:            db,
		Validator:     validator,
		Credentials:   tenants,
		APIKey:        cfg.VoiceAPIKey,
		BaseURL:       cfg.VoiceBaseURL,
		WebhookSecret: cfg.VoiceWebhookSecret,
		Leads:         leadService,
		Customers:     customerService,
	})
	whatsappService := whatsapp.New(&whatsapp.Builder{
		DB:            db,
		Credentials:   tenants,
		APIKey:        cfg.ConvAIAPIKey,
		BaseURL:       cfg.ConvAIBaseURL,
		WebhookSecret: cfg.ConvAIWebhookSecret,
		Leads:         leadService,
		Customers:     customerService,
	})
	supportService := support.New(&support.Builder{
		DB:        db,
		Validator: validator,
		Customers: customerService,
		Notifier:  notifier,
		AppURL:    cfg.AppURL,
		PortalURL: cfg.PortalURL,
	})
	changelogService := changelog.New(&changelog.Builder{
		DB:        db,
		Validator: validator,
		Customers: customerService,
		Notifier:  notifier,
		PortalURL: cfg.PortalURL,
	})
	portalService := portal.New(&portal.Builder{Customers: customerService, Brandings: brandingService})

	// public
	handleVersion(router)
	access.HandleAuthorizationRoute(router)
	logger.Default().Debugln("  handle route: /metrics GET")
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	queue.HandleRoutes(router)
	brandingService.HandlePublicRoutes(router)
	chatbotService.HandleWidgetRoutes(router)
	voiceService.HandleWebhookRoutes(router)
	whatsappService.HandleWebhookRoutes(router)

	users := router.NewRoute().Subrouter()
	users.Use(access.RequireUser)
	tenants.HandleUserRoutes(users)

	portalRouter := router.NewRoute().Subrouter()
	portalRouter.Use(portalService.Middleware)
	portalService.HandleRoutes(portalRouter)
	chatbotService.HandlePortalRoutes(portalRouter)
	voiceService.HandlePortalRoutes(portalRouter)
	whatsappService.HandlePortalRoutes(portalRouter)
	leadService.HandlePortalRoutes(portalRouter)
	supportService.HandlePortalRoutes(portalRouter)
	changelogService.HandlePortalRoutes(portalRouter)

	dashboard := router.NewRoute().Subrouter()
	dashboard.Use(tenants.Middleware)
	tenants.HandleRoutes(dashboard)
	customerService.HandleRoutes(dashboard)
	brandingService.HandleRoutes(dashboard)
	chatbotService.HandleRoutes(dashboard)
	s.Crawl.HandleRoutes(dashboard)
	voiceService.HandleRoutes(dashboard)
	whatsappService.HandleRoutes(dashboard)
	leadService.HandleRoutes(dashboard)
	supportService.HandleRoutes(dashboard)
	changelogService.HandleRoutes(dashboard)
	notifier.HandleRoutes(dashboard)

	s.handler = handlers.CORS(
		handlers.AllowedOrigins(cfg.Origins()),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Accept", "Authorization", "Content-Type", tenancy.OrganizationHeader, voiceai.SecretHeader, convai.SignatureHeader}),
		handlers.ExposedHeaders([]string{logger.RequestIDHeader}),
		handlers.MaxAge(86400),
	)(handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	)(handlers.CompressHandler(router)))
	s.proxy = httpadapter.New(s.handler)
	return s, nil
}

func newBus(ctx context.Context, cfg *config.Service) (bus.Publisher, error) {
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		return bus.NewKafka(brokers), nil
	}
	if cfg.SQSQueueURL != "" {
		return bus.NewSQS(ctx, cfg.SQSRegion, cfg.SQSQueueURL)
	}
	return bus.Nop{}, nil
}

// Handler returns the router wrapped with CORS, panic recovery and compression
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run processes jobs, runs the realtime broker and serves HTTP on the configured
// address until ctx is done
func (s *Server) Run(ctx context.Context) error {
	rlog := logger.FromContext(ctx)
	s.Jobs.ProcessJobsAsync(ctx, time.Duration(s.config.HeartbeatSeconds)*time.Second)

	brokerDone := make(chan error, 1)
	if s.Broker != nil {
		go func() { brokerDone <- s.Broker.Run(ctx) }()
	} else {
		brokerDone <- nil
	}

	srv := &http.Server{
		Addr:              s.config.Address,
		Handler:           handlers.CombinedLoggingHandler(logger.Default().Writer(), s.handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		rlog.Infoln("listen on", s.config.Address)
		serverDone <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverDone:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if brokerErr := <-brokerDone; brokerErr != nil && err == nil {
		err = brokerErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return err
}

// Close releases the domain event publisher
func (s *Server) Close() error {
	return s.bus.Close()
}

// SetAddress overrides the listen address of Run
func (s *Server) SetAddress(address string) {
	s.config.Address = address
}
