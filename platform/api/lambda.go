package api

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/voxtro/backend/core/logger"
)

// MaxJobTime bounds the job processing of a scheduled invocation
const MaxJobTime = 10 * time.Minute

// HandleAPIGatewayProxy serves an API Gateway proxy event with the router and
// then processes the jobs the request raised
func (s *Server) HandleAPIGatewayProxy(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	res, err := s.proxy.ProxyWithContext(ctx, event)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("Error 6601: cannot serve proxy event")
		return res, err
	}
	if s.Jobs.HasJobsToProcess() {
		s.Jobs.ProcessJobsSync(time.Minute)
	}
	return res, nil
}

// HandleScheduledEvent runs the crawl sweep when it is due and processes pending
// jobs. It serves the EventBridge schedule of the lambda-scheduler.
func (s *Server) HandleScheduledEvent(ctx context.Context, event events.CloudWatchEvent) error {
	ctx, rlog := logger.ContextWithLogger(ctx)
	rlog.Infoln("scheduled event", event.ID, event.DetailType)
	s.Crawl.SweepIfDue(ctx)
	for s.Jobs.ProcessJobsSync(MaxJobTime) {
		rlog.Infoln("more jobs pending, continuing")
	}
	return nil
}
