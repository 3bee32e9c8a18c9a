// Package validate is the server-side half of the loader protocol: it walks
// one request through the credential state machine and returns a terminal
// outcome. Business rejections are HTTP 200 with {"valid":false,"code":...};
// 400 is reserved for malformed requests and 5xx for collaborator faults.
//
// Rejection codes by check order:
//
//	MISSING_HEADERS          required identifying fields absent
//	DEPLOYMENT_NOT_FOUND     unknown or inactive deployment
//	CREDENTIAL_NOT_FOUND     no credential matches the presented secret
//	CREDENTIAL_BANNED        terminal ban state
//	CREDENTIAL_EXPIRED       past policy expiry (status transitions lazily)
//	CREDENTIAL_INACTIVE      any other non-active status
//	IDENTITY_MISMATCH        bound to a different caller identity
//	ORIGIN_NOT_ALLOWED       origin restriction set does not list the caller
//	MAX_ACTIVATIONS_REACHED  usage limit already met
package validate

import (
	"context"
	"encoding/base64"
	"log"
	"time"

	"github.com/google/uuid"

	"enigmacode/pkg/audit"
	"enigmacode/pkg/license"
	"enigmacode/pkg/store"
	"enigmacode/pkg/stream"
	"enigmacode/pkg/transform"
)

const (
	KindValidate     = "validate"
	KindTamperReport = "tamper-report"

	// Older loader builds signal tamper by presenting this value as the
	// credential secret instead of using the explicit request kind. Still
	// recognized so deployed artifacts keep working.
	legacyTamperSentinel = "TAMPER_DETECTED"
)

const (
	CodeOK                = "OK"
	CodeTamperRecorded    = "TAMPER_RECORDED"
	ReasonMissingHeaders  = "MISSING_HEADERS"
	ReasonDeploymentGone  = "DEPLOYMENT_NOT_FOUND"
	ReasonCredentialGone  = "CREDENTIAL_NOT_FOUND"
	ReasonBanned          = "CREDENTIAL_BANNED"
	ReasonExpired         = "CREDENTIAL_EXPIRED"
	ReasonInactive        = "CREDENTIAL_INACTIVE"
	ReasonIdentity        = "IDENTITY_MISMATCH"
	ReasonOrigin          = "ORIGIN_NOT_ALLOWED"
	ReasonMaxActivations  = "MAX_ACTIVATIONS_REACHED"
	banReasonTamper       = "TAMPER_DETECTED"
	highUsageNotifyAtUses = 1000
)

// Request is one decoded validation or tamper-report message.
type Request struct {
	Kind         string `json:"kind"`
	DeploymentID string `json:"deployment_id"`
	Secret       string `json:"key"`
	CallerID     string `json:"caller_id"`
	Origin       string `json:"origin"`
	Fingerprint  string `json:"fingerprint"`
	Protocol     string `json:"protocol"`
}

// KeyInfo is the minimal credential metadata returned on success.
type KeyInfo struct {
	Kind           string `json:"kind"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	Uses           int    `json:"uses"`
	MaxActivations int    `json:"max_activations"`
}

// Result is terminal. On success Code carries the stream-ciphered payload
// (base64); on rejection it carries the reason. The payload field is never
// populated on an invalid result.
type Result struct {
	Valid   bool     `json:"valid"`
	Code    string   `json:"code,omitempty"`
	KeyInfo *KeyInfo `json:"keyInfo,omitempty"`
}

// Collaborator contracts. The concrete audit writer, webhook notifier,
// metrics registry and event hub satisfy these; all are optional.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

type Notifier interface {
	Notify(eventType string, fields map[string]string)
}

type Counters interface {
	IncOutcome(outcome string)
	IncReason(reason string)
	IncTamperReports()
}

type Publisher interface {
	Publish(evt stream.Event)
}

type Service struct {
	Store  store.Store
	Audit  AuditSink
	Notify Notifier
	Stats  Counters
	Events Publisher

	// Now is injectable for expiry tests.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Validate runs the request to a terminal outcome. The error return is for
// collaborator faults only; every business rejection is a Result.
func (s *Service) Validate(ctx context.Context, req Request) (Result, error) {
	if req.Kind == KindTamperReport || req.Secret == legacyTamperSentinel {
		return s.TamperReport(ctx, req)
	}
	if req.DeploymentID == "" || req.Secret == "" || req.Fingerprint == "" {
		return s.reject(ctx, req, nil, ReasonMissingHeaders)
	}

	dep, err := s.Store.FindDeployment(ctx, req.DeploymentID)
	if err == store.ErrNotFound {
		return s.reject(ctx, req, nil, ReasonDeploymentGone)
	}
	if err != nil {
		return Result{}, err
	}
	if !dep.Active {
		return s.reject(ctx, req, dep, ReasonDeploymentGone)
	}

	cred, err := s.Store.FindCredential(ctx, req.Secret, dep.ID)
	if err == store.ErrNotFound {
		return s.reject(ctx, req, dep, ReasonCredentialGone)
	}
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	if cred.Status == license.StatusBanned {
		return s.rejectCredential(ctx, req, dep, cred, ReasonBanned)
	}
	if cred.IsExpired(now) {
		if cred.Status != license.StatusExpired {
			if err := s.Store.SetCredentialStatus(ctx, cred.ID, license.StatusExpired); err != nil {
				return Result{}, err
			}
		}
		return s.rejectCredential(ctx, req, dep, cred, ReasonExpired)
	}
	if cred.Status != license.StatusActive {
		return s.rejectCredential(ctx, req, dep, cred, ReasonInactive)
	}
	if !cred.BoundTo(req.CallerID) {
		if err := s.recordActivation(ctx, cred.ID, ReasonIdentity, req); err != nil {
			return Result{}, err
		}
		return s.rejectCredential(ctx, req, dep, cred, ReasonIdentity)
	}
	if !cred.OriginAllowed(req.Origin) {
		return s.rejectCredential(ctx, req, dep, cred, ReasonOrigin)
	}

	activated, uses, err := s.Store.TryActivate(ctx, cred.ID)
	if err != nil {
		return Result{}, err
	}
	if !activated {
		return s.rejectCredential(ctx, req, dep, cred, ReasonMaxActivations)
	}

	if err := s.recordActivation(ctx, cred.ID, CodeOK, req); err != nil {
		return Result{}, err
	}
	if err := s.Store.IncrementDeploymentStats(ctx, dep.ID, store.StatsDelta{Validations: 1}); err != nil {
		return Result{}, err
	}
	s.emit(ctx, req, dep.ID, cred.ID, KindValidate, CodeOK)
	if s.Stats != nil {
		s.Stats.IncOutcome(CodeOK)
	}
	if uses == highUsageNotifyAtUses && s.Notify != nil {
		s.Notify.Notify("high_usage_anomaly", map[string]string{
			"deployment_id": dep.ID,
			"credential_id": cred.ID,
		})
	}

	cipher := transform.EncryptBytes(dep.Payload, dep.PayloadKey)
	info := &KeyInfo{
		Kind:           cred.Kind,
		Uses:           uses,
		MaxActivations: cred.MaxActivations,
	}
	if !cred.ExpiresAt.IsZero() {
		info.ExpiresAt = cred.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return Result{
		Valid:   true,
		Code:    base64.StdEncoding.EncodeToString(cipher),
		KeyInfo: info,
	}, nil
}

// TamperReport bans every credential of the deployment bound to the
// reporting caller identity and alerts collaborators. Reports without a
// caller identity are recorded but ban nothing.
func (s *Service) TamperReport(ctx context.Context, req Request) (Result, error) {
	banned := 0
	if req.DeploymentID != "" && req.CallerID != "" {
		n, err := s.Store.BanByCaller(ctx, req.DeploymentID, req.CallerID, banReasonTamper)
		if err != nil && err != store.ErrNotFound {
			return Result{}, err
		}
		banned = n
	}
	s.emit(ctx, req, req.DeploymentID, "", KindTamperReport, CodeTamperRecorded)
	if s.Stats != nil {
		s.Stats.IncTamperReports()
	}
	if s.Notify != nil {
		s.Notify.Notify("tamper_detected", map[string]string{
			"deployment_id": req.DeploymentID,
			"caller_id":     req.CallerID,
		})
		if banned > 0 {
			s.Notify.Notify("credential_banned", map[string]string{
				"deployment_id": req.DeploymentID,
				"caller_id":     req.CallerID,
				"reason":        banReasonTamper,
			})
		}
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventTamper, req.DeploymentID, map[string]any{
			"caller_id":       req.CallerID,
			"banned_count":    banned,
			"fingerprint":     req.Fingerprint,
			"report_origin":   req.Origin,
			"legacy_sentinel": req.Secret == legacyTamperSentinel,
		}))
	}
	return Result{Valid: false, Code: CodeTamperRecorded}, nil
}

func (s *Service) reject(ctx context.Context, req Request, dep *store.Deployment, reason string) (Result, error) {
	depID := req.DeploymentID
	if dep != nil {
		depID = dep.ID
		if err := s.Store.IncrementDeploymentStats(ctx, dep.ID, store.StatsDelta{Failures: 1}); err != nil {
			return Result{}, err
		}
	}
	s.emit(ctx, req, depID, "", KindValidate, reason)
	if s.Stats != nil {
		s.Stats.IncOutcome("REJECTED")
		s.Stats.IncReason(reason)
	}
	return Result{Valid: false, Code: reason}, nil
}

func (s *Service) rejectCredential(ctx context.Context, req Request, dep *store.Deployment, cred *license.Credential, reason string) (Result, error) {
	if err := s.Store.IncrementDeploymentStats(ctx, dep.ID, store.StatsDelta{Failures: 1}); err != nil {
		return Result{}, err
	}
	s.emit(ctx, req, dep.ID, cred.ID, KindValidate, reason)
	if s.Stats != nil {
		s.Stats.IncOutcome("REJECTED")
		s.Stats.IncReason(reason)
	}
	return Result{Valid: false, Code: reason}, nil
}

func (s *Service) recordActivation(ctx context.Context, credentialID, outcome string, req Request) error {
	return s.Store.RecordActivation(ctx, store.Activation{
		ID:           uuid.NewString(),
		CredentialID: credentialID,
		Outcome:      outcome,
		Origin:       req.Origin,
		CallerID:     req.CallerID,
		Fingerprint:  req.Fingerprint,
		At:           s.now(),
	})
}

func (s *Service) emit(ctx context.Context, req Request, deploymentID, credentialID, kind, outcome string) {
	if s.Audit != nil {
		rec := audit.Record{
			EventID:      uuid.NewString(),
			DeploymentID: deploymentID,
			CredentialID: credentialID,
			CallerID:     req.CallerID,
			Kind:         kind,
			Outcome:      outcome,
			Origin:       req.Origin,
			Fingerprint:  req.Fingerprint,
			CreatedAt:    s.now(),
		}
		if err := s.Audit.Append(ctx, rec); err != nil {
			log.Printf("audit append failed: %v", err)
		}
	}
	if s.Events != nil && kind == KindValidate {
		s.Events.Publish(stream.NewEvent(stream.EventValidation, deploymentID, map[string]string{
			"outcome":       outcome,
			"credential_id": credentialID,
		}))
	}
}
