// Package store is the persistence collaborator: deployments, credentials,
// and activation history, backed by Postgres with an in-memory
// implementation for tests and single-node runs. Credential mutations are
// read-modify-write safe against concurrent validations; TryActivate is the
// single serialization point the validation service relies on.
package store

import (
	"context"
	"errors"
	"time"

	"enigmacode/pkg/license"
)

var ErrNotFound = errors.New("not found")

// Deployment scopes credentials and loader artifacts to one project owner.
type Deployment struct {
	ID          string
	Name        string
	APIOrigin   string
	Tier        string
	Payload     string // obfuscated payload source delivered to valid clients
	PayloadKey  string // symmetric key shared with generated loaders
	PayloadHash uint32
	Active      bool

	TotalValidations int
	TotalFailures    int
	CreatedAt        time.Time
}

// Activation is one audit-history entry for a credential. History per
// credential is capped at the last 100 entries.
type Activation struct {
	ID           string
	CredentialID string
	Outcome      string
	Origin       string
	CallerID     string
	Fingerprint  string
	At           time.Time
}

const activationHistoryCap = 100

// StatsDelta adjusts deployment-level aggregates.
type StatsDelta struct {
	Validations int
	Failures    int
}

// Store is the contract the validation service and the gateway consume.
type Store interface {
	FindDeployment(ctx context.Context, id string) (*Deployment, error)
	FindCredential(ctx context.Context, secret, deploymentID string) (*license.Credential, error)

	// TryActivate atomically increments the usage counter unless the
	// credential's max is already met. Two concurrent calls against a
	// credential with one activation left must yield exactly one success.
	TryActivate(ctx context.Context, credentialID string) (bool, int, error)

	RecordActivation(ctx context.Context, act Activation) error
	ListActivations(ctx context.Context, credentialID string, limit int) ([]Activation, error)
	BanCredential(ctx context.Context, credentialID, reason string) error
	// BanByCaller bans every credential of the deployment bound to the
	// caller identity; returns how many were banned.
	BanByCaller(ctx context.Context, deploymentID, callerID, reason string) (int, error)
	SetCredentialStatus(ctx context.Context, credentialID, status string) error
	IncrementDeploymentStats(ctx context.Context, deploymentID string, delta StatsDelta) error

	CreateDeployment(ctx context.Context, dep *Deployment) error
	CreateCredential(ctx context.Context, cred *license.Credential) error
}
