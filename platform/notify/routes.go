package notify

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voxtro/backend/core"
	"github.com/voxtro/backend/core/access"
	"github.com/voxtro/backend/core/logger"
	"github.com/voxtro/backend/core/rest"
	"github.com/voxtro/backend/core/schema"
)

// Notifications lists the most recent notifications of a user in an organization
func (d *Dispatcher) Notifications(ctx context.Context, organizationID, userID uuid.UUID, unreadOnly bool, limit int) ([]Notification, error) {
	query := `SELECT id, organization_id, user_id, kind, title, body, link, read_at, created_at
FROM {schema}.notification WHERE organization_id = $1 AND user_id = $2`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	rows, err := d.db.QueryContext(ctx, d.db.Q(query+` ORDER BY created_at DESC LIMIT $3;`), organizationID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	notifications := []Notification{}
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.OrganizationID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Link, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkRead marks one notification of a user as read
func (d *Dispatcher) MarkRead(ctx context.Context, organizationID, userID, id uuid.UUID) error {
	res, err := d.db.ExecContext(ctx, d.db.Q(`UPDATE {schema}.notification SET read_at = COALESCE(read_at, now())
WHERE id = $1 AND organization_id = $2 AND user_id = $3;`), id, organizationID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// MarkAllRead marks all notifications of a user as read
func (d *Dispatcher) MarkAllRead(ctx context.Context, organizationID, userID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, d.db.Q(`UPDATE {schema}.notification SET read_at = now()
WHERE organization_id = $1 AND user_id = $2 AND read_at IS NULL;`), organizationID, userID)
	return err
}

// Settings returns for every kind whether the organization receives emails. Kinds
// without a stored setting are enabled.
func (d *Dispatcher) Settings(ctx context.Context, organizationID uuid.UUID) (map[string]bool, error) {
	settings := make(map[string]bool, len(Kinds))
	for _, kind := range Kinds {
		settings[kind] = true
	}
	rows, err := d.db.QueryContext(ctx, d.db.Q(`SELECT kind, email FROM {schema}.notification_setting WHERE organization_id = $1;`), organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var enabled bool
		if err := rows.Scan(&kind, &enabled); err != nil {
			return nil, err
		}
		settings[kind] = enabled
	}
	return settings, rows.Err()
}

// SetSettings stores the email settings for the given kinds
func (d *Dispatcher) SetSettings(ctx context.Context, organizationID uuid.UUID, settings map[string]bool) error {
	return d.db.InTx(ctx, func(tx *sql.Tx) error {
		for kind, enabled := range settings {
			_, err := tx.ExecContext(ctx, d.db.Q(`INSERT INTO {schema}.notification_setting (organization_id, kind, email) VALUES ($1, $2, $3)
ON CONFLICT (organization_id, kind) DO UPDATE SET email = $3;`), organizationID, kind, enabled)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// EmailEnabled returns true if the organization receives emails for kind
func (d *Dispatcher) EmailEnabled(ctx context.Context, organizationID uuid.UUID, kind string) (bool, error) {
	var enabled bool
	err := d.db.QueryRowContext(ctx, d.db.Q(`SELECT email FROM {schema}.notification_setting WHERE organization_id = $1 AND kind = $2;`),
		organizationID, kind).Scan(&enabled)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return enabled, err
}

// HandleRoutes installs the notification routes on the dashboard router
func (d *Dispatcher) HandleRoutes(router *mux.Router) {
	logger.Default().Debugln("notifications")
	logger.Default().Debugln("  handle route: /notifications GET")
	logger.Default().Debugln("  handle route: /notifications/read PUT")
	logger.Default().Debugln("  handle route: /notifications/{id}/read PUT")
	logger.Default().Debugln("  handle route: /notification-settings GET,PUT")

	router.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		unread := r.URL.Query().Get("unread") == "true"
		notifications, err := d.Notifications(r.Context(), auth.OrganizationID, auth.UserID, unread, rest.Limit(r, 50, 200))
		if err != nil {
			rest.Error(w, r, "5404", err)
			return
		}
		rest.WriteJSON(w, http.StatusOK, notifications)
	}).Methods(http.MethodGet)

	router.HandleFunc("/notifications/read", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		if err := d.MarkAllRead(r.Context(), auth.OrganizationID, auth.UserID); err != nil {
			rest.Error(w, r, "5405", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc("/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		auth := access.AuthorizationFromContext(r.Context())
		id, err := rest.UUIDVar(r, "id")
		if err != nil {
			rest.Error(w, r, "5405", err)
			return
		}
		if err := d.MarkRead(r.Context(), auth.OrganizationID, auth.UserID, id); err != nil {
			rest.Error(w, r, "5405", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.Handle("/notification-settings", access.Require(core.OperationRead, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			settings, err := d.Settings(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5406", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, settings)
		}))).Methods(http.MethodGet)

	router.Handle("/notification-settings", access.Require(core.OperationUpdate, access.DefaultPermits)(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			auth := access.AuthorizationFromContext(r.Context())
			settings := map[string]bool{}
			if err := rest.ReadJSON(r, d.validator, schema.ID("notification-settings"), &settings); err != nil {
				rest.Error(w, r, "5407", err)
				return
			}
			if err := d.SetSettings(r.Context(), auth.OrganizationID, settings); err != nil {
				rest.Error(w, r, "5407", err)
				return
			}
			current, err := d.Settings(r.Context(), auth.OrganizationID)
			if err != nil {
				rest.Error(w, r, "5407", err)
				return
			}
			rest.WriteJSON(w, http.StatusOK, current)
		}))).Methods(http.MethodPut)
}
