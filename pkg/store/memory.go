package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"enigmacode/pkg/license"
)

// Memory implements Store with a mutex. It backs tests and standalone runs;
// TryActivate holds the lock across the check and the increment so the
// max-activations race cannot admit two winners.
type Memory struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	credentials map[string]*license.Credential // by id
	activations map[string][]Activation        // by credential id, newest first
}

func NewMemory() *Memory {
	return &Memory{
		deployments: map[string]*Deployment{},
		credentials: map[string]*license.Credential{},
		activations: map[string][]Activation{},
	}
}

func (m *Memory) FindDeployment(ctx context.Context, id string) (*Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dep
	return &cp, nil
}

func (m *Memory) FindCredential(ctx context.Context, secret, deploymentID string) (*license.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if c.Secret == secret && c.DeploymentID == deploymentID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) TryActivate(ctx context.Context, credentialID string) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credentialID]
	if !ok {
		return false, 0, ErrNotFound
	}
	if c.MaxActivations > 0 && c.Uses >= c.MaxActivations {
		return false, c.Uses, nil
	}
	c.Uses++
	c.LastUsed = time.Now().UTC()
	return true, c.Uses, nil
}

func (m *Memory) RecordActivation(ctx context.Context, act Activation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	hist := append([]Activation{act}, m.activations[act.CredentialID]...)
	if len(hist) > activationHistoryCap {
		hist = hist[:activationHistoryCap]
	}
	m.activations[act.CredentialID] = hist
	return nil
}

func (m *Memory) ListActivations(ctx context.Context, credentialID string, limit int) ([]Activation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hist := m.activations[credentialID]
	if limit <= 0 || limit > len(hist) {
		limit = len(hist)
	}
	out := make([]Activation, limit)
	copy(out, hist[:limit])
	return out, nil
}

func (m *Memory) BanCredential(ctx context.Context, credentialID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	c.Ban(reason, time.Now())
	return nil
}

func (m *Memory) BanByCaller(ctx context.Context, deploymentID, callerID, reason string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if callerID == "" {
		return 0, nil
	}
	n := 0
	for _, c := range m.credentials {
		if c.DeploymentID == deploymentID && c.BoundCallerID == callerID && c.Status != license.StatusBanned {
			c.Ban(reason, time.Now())
			n++
		}
	}
	return n, nil
}

func (m *Memory) SetCredentialStatus(ctx context.Context, credentialID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.credentials[credentialID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	return nil
}

func (m *Memory) IncrementDeploymentStats(ctx context.Context, deploymentID string, delta StatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[deploymentID]
	if !ok {
		return ErrNotFound
	}
	dep.TotalValidations += delta.Validations
	dep.TotalFailures += delta.Failures
	return nil
}

func (m *Memory) CreateDeployment(ctx context.Context, dep *Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dep
	m.deployments[dep.ID] = &cp
	return nil
}

func (m *Memory) CreateCredential(ctx context.Context, cred *license.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.credentials[cred.ID] = &cp
	return nil
}
