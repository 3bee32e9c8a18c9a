package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"enigmacode/pkg/httpx"
	"enigmacode/pkg/license"
	"enigmacode/pkg/loadergen"
	"enigmacode/pkg/notify"
	"enigmacode/pkg/store"
	"enigmacode/pkg/stream"
	"enigmacode/pkg/transform"
	"enigmacode/pkg/validate"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const reasonReplay = "REPLAY_DETECTED"

// decodeValidateRequest accepts the JSON body, falling back to the header
// form older loader builds send.
func decodeValidateRequest(w http.ResponseWriter, r *http.Request) (validate.Request, bool) {
	var req validate.Request
	if r.Body != nil && r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req); err != nil {
			return req, false
		}
	}
	if req.DeploymentID == "" {
		req.DeploymentID = r.Header.Get("X-Deployment-Id")
	}
	if req.Secret == "" {
		req.Secret = r.Header.Get("X-Loader-Key")
	}
	if req.CallerID == "" {
		req.CallerID = r.Header.Get("X-Caller-Id")
	}
	if req.Fingerprint == "" {
		req.Fingerprint = r.Header.Get("X-Fingerprint")
	}
	if req.Origin == "" {
		req.Origin = r.Header.Get("Origin")
	}
	return req, true
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeValidateRequest(w, r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Kind = validate.KindValidate
	if nonce := strings.TrimSpace(r.Header.Get("X-Request-Nonce")); nonce != "" && s.Cache != nil {
		fresh, err := s.Cache.SetNX(r.Context(), "nonce:"+req.DeploymentID+":"+nonce, "1", s.NonceTTL)
		if err == nil && !fresh {
			httpx.WriteJSON(w, http.StatusOK, validate.Result{Valid: false, Code: reasonReplay})
			return
		}
	}
	res, err := s.Validator.Validate(r.Context(), req)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "validation failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTamperReport(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeValidateRequest(w, r)
	if !ok {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Kind = validate.KindTamperReport
	res, err := s.Validator.Validate(r.Context(), req)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "tamper report failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

type obfuscateRequest struct {
	Source string           `json:"source"`
	Config transform.Config `json:"config"`
}

type obfuscateResponse struct {
	Output   string `json:"output"`
	Checksum string `json:"checksum"`
}

func (s *Server) handleObfuscate(w http.ResponseWriter, r *http.Request) {
	var req obfuscateRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		httpx.Error(w, http.StatusBadRequest, "source required")
		return
	}
	out, err := transform.Obfuscate(req.Source, req.Config)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Metrics.IncObfuscations()
	httpx.WriteJSON(w, http.StatusOK, obfuscateResponse{
		Output:   out,
		Checksum: transform.ChecksumString(out),
	})
}

type createDeploymentRequest struct {
	Name      string           `json:"name"`
	APIOrigin string           `json:"api_origin"`
	Source    string           `json:"source"`
	Config    transform.Config `json:"config"`
}

type deploymentResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	APIOrigin   string `json:"api_origin"`
	Tier        string `json:"tier"`
	PayloadHash uint32 `json:"payload_hash"`
	Active      bool   `json:"active"`
}

// handleCreateDeployment obfuscates the submitted source and stores it as
// the deployment payload along with a fresh payload key.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Source) == "" {
		httpx.Error(w, http.StatusBadRequest, "name and source required")
		return
	}
	payload, err := transform.Obfuscate(req.Source, req.Config)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	rng := transform.NewRand(req.Config.Seed)
	dep := &store.Deployment{
		ID:          uuid.NewString(),
		Name:        req.Name,
		APIOrigin:   req.APIOrigin,
		Tier:        req.Config.Tier,
		Payload:     payload,
		PayloadKey:  rng.Key(16),
		PayloadHash: transform.Checksum(payload),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Store.CreateDeployment(r.Context(), dep); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "create deployment failed")
		return
	}
	s.Metrics.IncObfuscations()
	if s.Notify != nil {
		s.Notify.Notify(notify.EventDeploymentCreated, map[string]string{
			"deployment_id": dep.ID,
			"name":          dep.Name,
			"tier":          dep.Tier,
		})
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventDeployment, dep.ID, map[string]string{"name": dep.Name}))
	}
	httpx.WriteJSON(w, http.StatusCreated, deploymentResponse{
		ID:          dep.ID,
		Name:        dep.Name,
		APIOrigin:   dep.APIOrigin,
		Tier:        dep.Tier,
		PayloadHash: dep.PayloadHash,
		Active:      dep.Active,
	})
}

type generateLoaderRequest struct {
	Obfuscate  bool  `json:"obfuscate"`
	DecoyCount int   `json:"decoy_count"`
	Seed       int64 `json:"seed"`
}

type generateLoaderResponse struct {
	Artifact string             `json:"artifact"`
	Config   loadergen.Config   `json:"config"`
	Metadata loadergen.Metadata `json:"metadata"`
}

func (s *Server) handleGenerateLoader(w http.ResponseWriter, r *http.Request) {
	depID := chi.URLParam(r, "deployment_id")
	dep, err := s.Store.FindDeployment(r.Context(), depID)
	if err == store.ErrNotFound {
		httpx.Error(w, http.StatusNotFound, "deployment not found")
		return
	}
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	var req generateLoaderRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	res, err := loadergen.Generate(loadergen.Deployment{
		ID:          dep.ID,
		APIOrigin:   dep.APIOrigin,
		PayloadHash: dep.PayloadHash,
		Tier:        dep.Tier,
	}, loadergen.Options{
		Obfuscate:  req.Obfuscate,
		DecoyCount: req.DecoyCount,
		Seed:       req.Seed,
	})
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Metrics.IncLoadersBuilt()
	httpx.WriteJSON(w, http.StatusOK, generateLoaderResponse{
		Artifact: res.Artifact,
		Config:   res.Config,
		Metadata: res.Metadata,
	})
}

type createCredentialRequest struct {
	DeploymentID   string   `json:"deployment_id"`
	Kind           string   `json:"kind"`
	CustomExpiry   string   `json:"custom_expiry,omitempty"`
	MaxActivations int      `json:"max_activations"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	BoundCallerID  string   `json:"bound_caller_id,omitempty"`
}

type credentialResponse struct {
	ID             string `json:"id"`
	Secret         string `json:"key"`
	DeploymentID   string `json:"deployment_id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	MaxActivations int    `json:"max_activations"`
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if _, err := s.Store.FindDeployment(r.Context(), req.DeploymentID); err != nil {
		if err == store.ErrNotFound {
			httpx.Error(w, http.StatusNotFound, "deployment not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "deployment lookup failed")
		return
	}
	now := time.Now().UTC()
	var custom time.Time
	if req.CustomExpiry != "" {
		parsed, err := time.Parse(time.RFC3339, req.CustomExpiry)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "custom_expiry must be RFC3339")
			return
		}
		custom = parsed
	}
	expiry, err := license.ExpiryFor(req.Kind, now, custom)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	cred := &license.Credential{
		ID:             uuid.NewString(),
		Secret:         "LIC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:24],
		DeploymentID:   req.DeploymentID,
		Kind:           req.Kind,
		Status:         license.StatusActive,
		IssuedAt:       now,
		ExpiresAt:      expiry,
		MaxActivations: req.MaxActivations,
		AllowedOrigins: req.AllowedOrigins,
		BoundCallerID:  req.BoundCallerID,
	}
	if err := s.Store.CreateCredential(r.Context(), cred); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "create credential failed")
		return
	}
	resp := credentialResponse{
		ID:             cred.ID,
		Secret:         cred.Secret,
		DeploymentID:   cred.DeploymentID,
		Kind:           cred.Kind,
		Status:         cred.Status,
		MaxActivations: cred.MaxActivations,
	}
	if !cred.ExpiresAt.IsZero() {
		resp.ExpiresAt = cred.ExpiresAt.Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

type banRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBanCredential(w http.ResponseWriter, r *http.Request) {
	credID := chi.URLParam(r, "credential_id")
	var req banRequest
	if r.ContentLength != 0 {
		if err := httpx.ReadJSON(w, r, &req); err != nil {
			httpx.Error(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "MANUAL_BAN"
	}
	if err := s.Store.BanCredential(r.Context(), credID, req.Reason); err != nil {
		if err == store.ErrNotFound {
			httpx.Error(w, http.StatusNotFound, "credential not found")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "ban failed")
		return
	}
	if s.Notify != nil {
		s.Notify.Notify(notify.EventCredentialBanned, map[string]string{
			"credential_id": credID,
			"reason":        req.Reason,
		})
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.EventBan, "", map[string]string{
			"credential_id": credID,
			"reason":        req.Reason,
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": license.StatusBanned})
}

func (s *Server) handleListActivations(w http.ResponseWriter, r *http.Request) {
	credID := chi.URLParam(r, "credential_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	acts, err := s.Store.ListActivations(r.Context(), credID, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"activations": acts})
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	depID := chi.URLParam(r, "deployment_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := s.Audit.Recent(r.Context(), depID, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "audit lookup failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"events": recs})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := splitCSV(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(r.URL.Query().Get("deployment_id"), 64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", "", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
