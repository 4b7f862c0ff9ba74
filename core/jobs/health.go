package jobs

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/csql"
	"github.com/voxtro/backend/core/logger"
)

// JobDetail is detail on a job for the health endpoint
type JobDetail struct {
	Serial       int64      `json:"serial"`
	Job          string     `json:"job"`
	Type         string     `json:"type"`
	Key          string     `json:"key"`
	Resource     string     `json:"resource"`
	ResourceID   string     `json:"resource_id"`
	AttemptsLeft int64      `json:"attempts_left"`
	Timestamp    time.Time  `json:"timestamp"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

// Health contains the queue's health status
type Health struct {
	Jobs struct {
		Failed  int64       `json:"failed"`
		Failing int64       `json:"failing"`
		Overdue int64       `json:"overdue"`
		Details []JobDetail `json:"details,omitempty"`
	} `json:"jobs"`
}

// HandleRoutes adds the health routes to the router. Details and purge require
// the platform admin role.
func (q *Queue) HandleRoutes(router *mux.Router) {
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		q.health(w, r, false)
	}).Methods(http.MethodOptions, http.MethodGet)

	admin := router.NewRoute().Subrouter()
	admin.Use(access.RequireAdmin)
	admin.HandleFunc("/health/details", func(w http.ResponseWriter, r *http.Request) {
		q.health(w, r, true)
	}).Methods(http.MethodOptions, http.MethodGet)
	admin.HandleFunc("/health/purge", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		if err := q.HealthPurge(r.Context()); err != nil {
			rlog.WithError(err).Errorln("Error 5003: cannot query database")
			http.Error(w, "Error 5003: ", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodOptions, http.MethodPut)
}

// Health returns the queue's health status
func (q *Queue) Health(ctx context.Context, includeDetails bool) (Health, error) {
	health := Health{}
	jobs := &health.Jobs

	// get the number of failed jobs
	err := q.db.QueryRowContext(ctx, q.db.Q(`SELECT count(*) OVER() from {schema}._job_ WHERE attempts_left = 0 limit 1;`)).Scan(&jobs.Failed)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	// get the number of jobs who failed at least once but are still scheduled for a retry
	err = q.db.QueryRowContext(ctx, q.db.Q(`SELECT count(*) OVER() from {schema}._job_ WHERE attempts_left > 0 AND attempts_left < 3 limit 1;`)).Scan(&jobs.Failing)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	tenMinutesAgo := time.Now().UTC().Add(-10 * time.Minute)

	// get the number of jobs who should have been executed at least ten minutes ago
	overdueJobsQuery := q.db.Q(`SELECT count(*) OVER() from {schema}._job_ WHERE attempts_left > 0 AND
	((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)) limit 1;`)
	err = q.db.QueryRowContext(ctx, overdueJobsQuery, tenMinutesAgo).Scan(&jobs.Overdue)
	if err != nil && err != csql.ErrNoRows {
		return health, err
	}

	if !includeDetails {
		return health, nil
	}

	rows, err := q.db.QueryContext(ctx, q.db.Q(`SELECT serial, job, type, key, resource, resource_id, timestamp, attempts_left, scheduled_at from {schema}._job_ WHERE
	attempts_left = 0 OR (attempts_left > 0 AND ((scheduled_at IS NULL AND $1 > timestamp) OR (scheduled_at IS NOT NULL AND $1 > scheduled_at)));`), tenMinutesAgo)
	if err != nil {
		return health, err
	}
	defer rows.Close()
	for rows.Next() {
		var detail JobDetail
		err := rows.Scan(
			&detail.Serial,
			&detail.Job,
			&detail.Type,
			&detail.Key,
			&detail.Resource,
			&detail.ResourceID,
			&detail.Timestamp,
			&detail.AttemptsLeft,
			&detail.ScheduledAt,
		)
		if err != nil {
			return health, err
		}
		jobs.Details = append(jobs.Details, detail)
	}
	return health, rows.Err()
}

// HealthPurge deletes failed jobs
func (q *Queue) HealthPurge(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, q.db.Q(`DELETE from {schema}._job_ WHERE attempts_left = 0;`))
	return err
}

func (q *Queue) health(w http.ResponseWriter, r *http.Request, includeDetails bool) {
	rlog := logger.FromContext(r.Context())
	health, err := q.Health(r.Context(), includeDetails)
	if err != nil {
		rlog.WithError(err).Errorln("Error 5002: cannot query database")
		http.Error(w, "Error 5002: ", http.StatusInternalServerError)
		return
	}
	jsonData, _ := json.Marshal(health)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}
