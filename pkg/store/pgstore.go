package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"enigmacode/pkg/license"
)

// DB is the slice of pgx the store needs; pgxpool.Pool satisfies it and
// tests substitute fakes.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on pgx.
type Postgres struct {
	DB DB
}

func NewPostgres(db DB) *Postgres { return &Postgres{DB: db} }

func (p *Postgres) FindDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, name, api_origin, tier, payload, payload_key, payload_hash, active,
		       total_validations, total_failures, created_at
		FROM deployments WHERE id=$1
	`, id)
	var d Deployment
	err := row.Scan(&d.ID, &d.Name, &d.APIOrigin, &d.Tier, &d.Payload, &d.PayloadKey,
		&d.PayloadHash, &d.Active, &d.TotalValidations, &d.TotalFailures, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) FindCredential(ctx context.Context, secret, deploymentID string) (*license.Credential, error) {
	row := p.DB.QueryRow(ctx, `
		SELECT id, secret, deployment_id, kind, status, issued_at, expires_at, uses,
		       max_activations, allowed_origins, bound_caller_id, ban_reason, banned_at, last_used
		FROM credentials WHERE secret=$1 AND deployment_id=$2
	`, secret, deploymentID)
	var c license.Credential
	var origins string
	var expiresAt, bannedAt, lastUsed *time.Time
	err := row.Scan(&c.ID, &c.Secret, &c.DeploymentID, &c.Kind, &c.Status, &c.IssuedAt,
		&expiresAt, &c.Uses, &c.MaxActivations, &origins, &c.BoundCallerID,
		&c.BanReason, &bannedAt, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
	if expiresAt != nil {
		c.ExpiresAt = *expiresAt
	}
	if bannedAt != nil {
		c.BannedAt = *bannedAt
	}
	if lastUsed != nil {
		c.LastUsed = *lastUsed
	}
	return &c, nil
}

func (p *Postgres) TryActivate(ctx context.Context, credentialID string) (bool, int, error) {
	row := p.DB.QueryRow(ctx, `
		UPDATE credentials
		SET uses = uses + 1, last_used = now()
		WHERE id=$1 AND (max_activations = 0 OR uses < max_activations)
		RETURNING uses
	`, credentialID)
	var uses int
	err := row.Scan(&uses)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, uses, nil
}

func (p *Postgres) RecordActivation(ctx context.Context, act Activation) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO activations (id, credential_id, outcome, origin, caller_id, fingerprint, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, act.ID, act.CredentialID, act.Outcome, act.Origin, act.CallerID, act.Fingerprint, act.At)
	if err != nil {
		return err
	}
	// keep only the newest entries per credential
	_, err = p.DB.Exec(ctx, `
		DELETE FROM activations
		WHERE credential_id=$1 AND id NOT IN (
			SELECT id FROM activations WHERE credential_id=$1 ORDER BY at DESC LIMIT $2
		)
	`, act.CredentialID, activationHistoryCap)
	return err
}

func (p *Postgres) ListActivations(ctx context.Context, credentialID string, limit int) ([]Activation, error) {
	if limit <= 0 || limit > activationHistoryCap {
		limit = activationHistoryCap
	}
	rows, err := p.DB.Query(ctx, `
		SELECT id, credential_id, outcome, origin, caller_id, fingerprint, at
		FROM activations WHERE credential_id=$1 ORDER BY at DESC LIMIT $2
	`, credentialID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Activation
	for rows.Next() {
		var a Activation
		if err := rows.Scan(&a.ID, &a.CredentialID, &a.Outcome, &a.Origin, &a.CallerID, &a.Fingerprint, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) BanCredential(ctx context.Context, credentialID, reason string) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE credentials SET status=$1, ban_reason=$2, banned_at=now() WHERE id=$3
	`, license.StatusBanned, reason, credentialID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) BanByCaller(ctx context.Context, deploymentID, callerID, reason string) (int, error) {
	if strings.TrimSpace(callerID) == "" {
		return 0, fmt.Errorf("ban by caller: empty caller id")
	}
	tag, err := p.DB.Exec(ctx, `
		UPDATE credentials SET status=$1, ban_reason=$2, banned_at=now()
		WHERE deployment_id=$3 AND bound_caller_id=$4 AND status <> $1
	`, license.StatusBanned, reason, deploymentID, callerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) SetCredentialStatus(ctx context.Context, credentialID, status string) error {
	_, err := p.DB.Exec(ctx, `UPDATE credentials SET status=$1 WHERE id=$2`, status, credentialID)
	return err
}

func (p *Postgres) IncrementDeploymentStats(ctx context.Context, deploymentID string, delta StatsDelta) error {
	_, err := p.DB.Exec(ctx, `
		UPDATE deployments
		SET total_validations = total_validations + $1, total_failures = total_failures + $2
		WHERE id=$3
	`, delta.Validations, delta.Failures, deploymentID)
	return err
}

func (p *Postgres) CreateDeployment(ctx context.Context, dep *Deployment) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO deployments
		(id, name, api_origin, tier, payload, payload_key, payload_hash, active, total_validations, total_failures, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,0,$9)
	`, dep.ID, dep.Name, dep.APIOrigin, dep.Tier, dep.Payload, dep.PayloadKey, dep.PayloadHash, dep.Active, dep.CreatedAt)
	return err
}

func (p *Postgres) CreateCredential(ctx context.Context, cred *license.Credential) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO credentials
		(id, secret, deployment_id, kind, status, issued_at, expires_at, uses, max_activations, allowed_origins, bound_caller_id, ban_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,$10,'')
	`, cred.ID, cred.Secret, cred.DeploymentID, cred.Kind, cred.Status, cred.IssuedAt,
		nullableTime(cred.ExpiresAt), cred.MaxActivations, strings.Join(cred.AllowedOrigins, ","), cred.BoundCallerID)
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
