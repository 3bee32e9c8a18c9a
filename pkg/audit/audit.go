// Package audit appends one event per validation branch, success or
// rejection, to an append-only Postgres table. The client side gets no
// diagnostics at all; this trail is where the detail lives.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audit/analytics event.
type Record struct {
	EventID      string
	DeploymentID string
	CredentialID string
	CallerID     string
	Kind         string // validate | tamper-report
	Outcome      string // OK or a rejection reason code
	Origin       string
	Fingerprint  string
	CreatedAt    time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	callerID := rec.CallerID
	if w.Redact && callerID != "" {
		callerID = w.hashCaller(callerID)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_events
		(event_id, deployment_id, credential_id, caller_id, kind, outcome, origin, fingerprint, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.EventID, rec.DeploymentID, rec.CredentialID, callerID, rec.Kind, rec.Outcome,
		rec.Origin, rec.Fingerprint, rec.CreatedAt)
	return err
}

// Recent returns the newest events for a deployment.
func (w *Writer) Recent(ctx context.Context, deploymentID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, deployment_id, credential_id, caller_id, kind, outcome, origin, fingerprint, created_at
		FROM audit_events WHERE deployment_id=$1 ORDER BY created_at DESC LIMIT $2
	`, deploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.DeploymentID, &rec.CredentialID, &rec.CallerID,
			&rec.Kind, &rec.Outcome, &rec.Origin, &rec.Fingerprint, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// hashCaller keeps caller identities out of the trail while preserving
// joinability within one salt generation.
func (w *Writer) hashCaller(callerID string) string {
	h := sha256.New()
	h.Write(w.HashSalt)
	h.Write([]byte(callerID))
	return hex.EncodeToString(h.Sum(nil))
}
