/*
Package jobs is a durable job queue on top of postgres.

Jobs are events with a type, an optional key and an optional resource reference.
Handlers are installed per event type with HandleEvent and run out-of-band by a
pool of workers. A failing handler is retried three more times, after 5, 15 and
45 minutes. Jobs which failed four times stay in the table with no attempts left
and show up in the health report until they are purged.

The logger context of the raising request is stored with the job, so log lines of
a handler carry the request ID of the request which caused it.
*/
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/metrics"
)

// Event is a job. Receive them with HandleEvent(), raise them with RaiseEvent(), schedule them with ScheduleEvent()
type Event struct {
	Type       string
	Key        string
	Resource   string
	ResourceID uuid.UUID
	Payload    []byte
}

// WithPayload adds a payload to an event. Payload can be an object or a []byte
func (e Event) WithPayload(payload interface{}) Event {
	data, ok := payload.([]byte)
	if !ok {
		data, _ = json.Marshal(payload)
	}
	e.Payload = data
	return e
}

// String returns a short description of the event for log lines
func (e Event) String() string {
	s := e.Type
	if e.Key != "" {
		s += "[" + e.Key + "]"
	}
	if e.Resource != "" {
		s += " " + e.Resource + "/" + e.ResourceID.String()
	}
	return s
}

type job struct {
	Serial       int
	Job          string
	Type         string
	Key          string
	Resource     string
	ResourceID   uuid.UUID
	Payload      []byte
	Timestamp    time.Time
	AttemptsLeft int
	ContextData  []byte
}

type contextKey string

const contextKeyAttemptsLeft contextKey = "_attempts_left_"

// IsLastAttempt returns true if the handler runs for the last time, i.e. a
// failure will not be retried. Outside of handlers it returns false.
func IsLastAttempt(ctx context.Context) bool {
	left, ok := ctx.Value(contextKeyAttemptsLeft).(int)
	return ok && left <= 0
}

// event returns the job as event together with the restored logger context
func (j *job) event() (Event, context.Context) {
	ctx := logger.ContextWithLoggerFromData(context.Background(), j.ContextData)
	ctx = context.WithValue(ctx, contextKeyAttemptsLeft, j.AttemptsLeft)
	return Event{Type: j.Type, Key: j.Key, Resource: j.Resource, ResourceID: j.ResourceID, Payload: j.Payload}, ctx
}

type txJob struct {
	job
	tx *sql.Tx
}

// Handler processes an event. A non-nil error schedules a retry.
type Handler func(context.Context, Event) error

// Queue is the job queue
type Queue struct {
	db          *csql.DB
	concurrency int
	handlers    map[string]Handler
	heartbeats  []func(context.Context)

	insertQuery             string
	insertIfNotExistQuery   string
	updateQuery             string
	deleteQuery             string
	cancelQuery             string
	hasJobsToProcess        bool
	hasJobsToProcessLock    sync.Mutex
	processJobsAsyncRuns    bool
	processJobsAsyncTrigger chan struct{}
}

// Builder is a builder helper for the Queue
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Concurrency is the number of workers. Defaults to 4.
	Concurrency int
}

// New creates the job table if it does not exist yet and returns the queue
func New(bb *Builder) *Queue {
	if bb.DB == nil {
		panic("DB is missing")
	}
	q := &Queue{
		db:          bb.DB,
		concurrency: bb.Concurrency,
		handlers:    map[string]Handler{},
	}
	if q.concurrency <= 0 {
		q.concurrency = 4
	}

	q.db.MustExec(`CREATE table IF NOT EXISTS {schema}."_job_"
(serial SERIAL,
job VARCHAR NOT NULL,
type VARCHAR NOT NULL DEFAULT '',
key VARCHAR NOT NULL DEFAULT '',
resource VARCHAR NOT NULL DEFAULT '',
resource_id uuid NOT NULL DEFAULT uuid_nil(),
payload JSON NOT NULL DEFAULT'{}'::jsonb,
timestamp TIMESTAMP NOT NULL DEFAULT now(),
attempts_left INTEGER NOT NULL,
context JSON NOT NULL DEFAULT'{}'::jsonb,
scheduled_at TIMESTAMP,
PRIMARY KEY(serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_event_compression ON {schema}._job_(type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0;
CREATE index IF NOT EXISTS jobs_scheduled_at_index ON {schema}._job_(scheduled_at);
`)

	q.insertQuery = q.db.Q(`INSERT INTO {schema}."_job_"
(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
DO UPDATE SET payload=$6,timestamp=$7,attempts_left=4,context=$8,
scheduled_at=CASE WHEN $9::TIMESTAMP IS NULL THEN _job_.scheduled_at ELSE $9::TIMESTAMP END
RETURNING serial;`)

	q.insertIfNotExistQuery = q.db.Q(`INSERT INTO {schema}."_job_"
(job,type,key,resource,resource_id,payload,timestamp,attempts_left,context,scheduled_at)
VALUES($1,$2,$3,$4,$5,$6,$7,4,$8,$9) ON CONFLICT (type,key,resource,resource_id) WHERE job = 'event' AND attempts_left>0
DO UPDATE SET attempts_left=4 RETURNING serial;`)

	q.updateQuery = q.db.Q(`UPDATE {schema}."_job_"
SET attempts_left = attempts_left - 1,
scheduled_at = CASE WHEN attempts_left>3 then $2 WHEN attempts_left=3 THEN $3 ELSE $4 END::TIMESTAMP
WHERE serial = (
SELECT serial
 FROM {schema}."_job_"
 WHERE attempts_left > 0 AND (scheduled_at IS NULL OR $1 > scheduled_at)
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, job, type, key, resource, resource_id, payload, timestamp, attempts_left, context;`)

	q.deleteQuery = q.db.Q(`DELETE FROM {schema}."_job_"
WHERE serial = $1 AND attempts_left < 4 RETURNING serial;`)

	q.cancelQuery = q.db.Q(`DELETE FROM {schema}."_job_"
WHERE job = $1 AND type = $2 AND key = $3 AND resource = $4 AND resource_id = $5 AND attempts_left > 0 RETURNING serial;`)

	return q
}

// HandleEvent installs a callback handler for the specified event type. Handlers are executed
// out-of-band. If a handler fails (i.e. it returns a non-nil error), it will be retried
// a few times with increasing timeout.
func (q *Queue) HandleEvent(eventType string, handler Handler) {
	if _, ok := q.handlers[eventType]; ok {
		panic(fmt.Sprintf("handler for event %s already installed", eventType))
	}
	q.handlers[eventType] = handler
}

// OnHeartbeat installs a function which is called on every heartbeat of
// ProcessJobsAsync, before pending jobs are processed.
func (q *Queue) OnHeartbeat(fn func(context.Context)) {
	q.heartbeats = append(q.heartbeats, fn)
}

// RaiseEvent raises the requested event.
//
// Multiple events of the same kind (type plus key) to the very same resource (resource + resourceID) will be compressed,
// i.e. the newest payload will overwrite the previous payload.
func (q *Queue) RaiseEvent(ctx context.Context, event Event) error {
	return q.raise(ctx, event, nil, false)
}

// RaiseEventIfNotExist raises the requested event, unless an event of the same kind to the very same
// resource is already pending. In that case the new event is ignored.
func (q *Queue) RaiseEventIfNotExist(ctx context.Context, event Event) error {
	return q.raise(ctx, event, nil, true)
}

// ScheduleEvent schedules the requested event at a specific point in time.
//
// Pending events of the same kind to the very same resource are compressed and rescheduled,
// so scheduling on every user interaction delays the event until the interactions stop.
func (q *Queue) ScheduleEvent(ctx context.Context, event Event, scheduleAt time.Time) error {
	return q.raise(ctx, event, &scheduleAt, false)
}

// CancelEvent cancels a pending event of the same kind (type plus key) to the very
// same resource (resource + resourceID). The payload of the passed event is ignored.
//
// The function returns true if an event was cancelled, otherwise it returns false.
func (q *Queue) CancelEvent(ctx context.Context, event Event) (bool, error) {
	var serial int
	err := q.db.QueryRowContext(ctx, q.cancelQuery,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&serial)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// EventSchedule returns the scheduled time of a pending event, or nil if it is not
// scheduled or does not exist.
func (q *Queue) EventSchedule(ctx context.Context, event Event) (*time.Time, error) {
	var schedule *time.Time
	err := q.db.QueryRowContext(ctx, q.db.Q(`SELECT scheduled_at FROM {schema}."_job_"
 WHERE job = 'event' AND type = $1 AND key = $2 AND resource = $3 AND resource_id = $4 AND attempts_left > 0
 ORDER BY serial LIMIT 1;`),
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
	).Scan(&schedule)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return schedule, err
}

func (q *Queue) raise(ctx context.Context, event Event, scheduleAt *time.Time, ifNotExist bool) error {
	if _, ok := q.handlers[event.Type]; !ok {
		return fmt.Errorf("no handler installed for event %s", event.Type)
	}
	data := event.Payload
	if len(data) == 0 {
		data = []byte("{}")
	}
	var scheduleAtUTC *time.Time
	if scheduleAt != nil {
		tmp := scheduleAt.UTC()
		scheduleAtUTC = &tmp
	}
	query := q.insertQuery
	if ifNotExist {
		query = q.insertIfNotExistQuery
	}
	var serial int
	err := q.db.QueryRowContext(ctx, query,
		"event",
		event.Type,
		event.Key,
		event.Resource,
		event.ResourceID,
		data,
		time.Now().UTC(),
		logger.SerializeLoggerContext(ctx),
		scheduleAtUTC,
	).Scan(&serial)
	if err != nil {
		return fmt.Errorf("cannot raise event %s: %w", event, err)
	}
	q.TriggerJobs()
	return nil
}

func (q *Queue) worker(jobs <-chan txJob, ready chan<- bool) {
	for job := range jobs {
		rlog := logger.Default()
		if err := job.tx.Commit(); err != nil {
			rlog.WithError(err).Errorf("error committing #%d", job.Serial)
		}

		event, ctx := job.event()
		rlog = logger.FromContext(ctx)
		timer := metrics.NewTimer()

		// call the registered handler in a panic/recover envelope
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("recovered from panic: %s", r)
					debug.PrintStack()
				}
			}()
			timeout := time.AfterFunc(20*time.Second, func() {
				rlog.Warnf("event %s is taking a long time...", event)
			})
			defer timeout.Stop()
			if job.Job != "event" {
				return fmt.Errorf("unknown job type %s", job.Job)
			}
			handler, ok := q.handlers[event.Type]
			if !ok {
				return fmt.Errorf("no handler for event %s", event.Type)
			}
			return handler(ctx, event)
		}()
		timer.ObserveDuration(metrics.JobDuration.WithLabelValues(event.Type))

		if err != nil {
			metrics.JobsTotal.WithLabelValues(event.Type, "failure").Inc()
			rlog.WithError(err).Errorf("Error 5001: processing %s #%d failed, %d attempts left", event, job.Serial, job.AttemptsLeft)
		} else {
			metrics.JobsTotal.WithLabelValues(event.Type, "success").Inc()
			rlog.Infof("successfully processed %s #%s", event, strconv.Itoa(job.Serial))
			// job handled sucessfully, delete from queue (unless it has been re-raised and attempts_left is back at 4)
			var serial int
			err = q.db.QueryRow(q.deleteQuery, job.Serial).Scan(&serial)
			if err != nil && err != sql.ErrNoRows {
				rlog.WithError(err).Errorf("could not delete processed job %s #%d", event, job.Serial)
			}
		}
		ready <- true
	}
}

// TriggerJobs triggers job processing.
func (q *Queue) TriggerJobs() {
	q.hasJobsToProcessLock.Lock()
	q.hasJobsToProcess = true
	q.hasJobsToProcessLock.Unlock()
	if q.processJobsAsyncRuns {
		select {
		case q.processJobsAsyncTrigger <- struct{}{}:
		default:
		}
	}
}

// HasJobsToProcess returns true, if there are jobs to process.
// It then resets the process flag.
func (q *Queue) HasJobsToProcess() bool {
	q.hasJobsToProcessLock.Lock()
	defer q.hasJobsToProcessLock.Unlock()
	result := q.hasJobsToProcess
	q.hasJobsToProcess = false
	return result
}

// ProcessJobsAsync starts a job processing loop. It returns immediately. This
// function must only be called once.
//
// If heartbeat is larger than 0, the function also starts a heartbeat timer which
// calls the OnHeartbeat functions and processes scheduled events. The loop stops
// when ctx is done.
//
// Left-over jobs in the database are processed right away.
func (q *Queue) ProcessJobsAsync(ctx context.Context, heartbeat time.Duration) {
	if q.processJobsAsyncRuns {
		panic("already processing jobs")
	}
	q.processJobsAsyncRuns = true
	q.processJobsAsyncTrigger = make(chan struct{}, 1)

	if heartbeat > 0 {
		go func() {
			ticker := time.NewTicker(heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for _, fn := range q.heartbeats {
						fn(ctx)
					}
					q.TriggerJobs()
				}
			}
		}()
	}

	go func() {
		q.ProcessJobsSync(5 * time.Minute)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.processJobsAsyncTrigger:
				q.ProcessJobsSync(5 * time.Minute)
			}
		}
	}()
}

// ProcessJobsSync commissions all pending jobs up to the specified maximum duration and then returns after the last
// commissioned job was fully processed. It returns true if it has maxed out and there are more jobs to process,
// otherwise it returns false. If you pass 0, it will process all pending jobs.
func (q *Queue) ProcessJobsSync(max time.Duration) bool {
	rlog := logger.Default()
	startTime := time.Now()

	getJob := func() (txj txJob, err error) {
		txj.tx, err = q.db.BeginTx(context.Background(), nil)
		if err != nil {
			rlog.WithError(err).Error("failed to begin transaction")
			return
		}
		now := time.Now().UTC()
		err = txj.tx.QueryRow(q.updateQuery,
			now,
			now.Add(5*time.Minute),  // first retry timeout
			now.Add(15*time.Minute), // second retry timeout
			now.Add(45*time.Minute), // third retry timeout before we give up
		).Scan(
			&txj.Serial,
			&txj.Job,
			&txj.Type,
			&txj.Key,
			&txj.Resource,
			&txj.ResourceID,
			&txj.Payload,
			&txj.Timestamp,
			&txj.AttemptsLeft,
			&txj.ContextData,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				rlog.Errorln("failed to retrieve job:", err.Error())
			}
			txj.tx.Rollback()
			txj.tx = nil
		}
		return
	}

	jobs := make(chan txJob, q.concurrency)
	ready := make(chan bool, q.concurrency)
	for i := 0; i < q.concurrency; i++ {
		go q.worker(jobs, ready)
	}
	defer close(jobs)

	var maxedOut bool
	var jobCount, readyCount int
	for i := 0; i < q.concurrency; i++ {
		txj, err := getJob()
		if err != nil {
			break
		}
		jobCount++
		jobs <- txj
	}

	for readyCount < jobCount {
		<-ready
		readyCount++

		if maxedOut = max > 0 && time.Since(startTime) >= max; !maxedOut {
			// we have time for more jobs, check if there are any in the database
			txj, err := getJob()
			if err != nil {
				continue
			}
			jobCount++
			jobs <- txj
		}
	}

	maxedOutString := ""
	if maxedOut {
		maxedOutString = " (maxed out)"
	}
	if jobCount > 0 {
		rlog.Debugf("process jobs: %d done%s", jobCount, maxedOutString)
	}
	return maxedOut
}
