package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"enigmacode/pkg/license"
	"enigmacode/pkg/loadergen"
	"enigmacode/pkg/metrics"
	"enigmacode/pkg/ratelimit"
	"enigmacode/pkg/store"
	"enigmacode/pkg/stream"
	"enigmacode/pkg/transform"
	"enigmacode/pkg/validate"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	registry := metrics.NewRegistry()
	hub := stream.NewHub()
	s := &Server{
		Store:   mem,
		Metrics: registry,
		Events:  hub,
		Cache:   store.NewMemoryCache(),
		Validator: &validate.Service{
			Store:  mem,
			Stats:  registry,
			Events: hub,
		},
		NonceTTL:            time.Minute,
		MaxRequestBodyBytes: 1 << 20,
	}
	return s, mem
}

func seedDeployment(t *testing.T, mem *store.Memory) {
	t.Helper()
	ctx := context.Background()
	payload := `print("unlocked")`
	if err := mem.CreateDeployment(ctx, &store.Deployment{
		ID:          "dep-1",
		Name:        "demo",
		APIOrigin:   "https://api.example.com",
		Tier:        "premium",
		Payload:     payload,
		PayloadKey:  "k3y",
		PayloadHash: transform.Checksum(payload),
		Active:      true,
	}); err != nil {
		t.Fatalf("seed deployment: %v", err)
	}
	if err := mem.CreateCredential(ctx, &license.Credential{
		ID:           "cred-1",
		Secret:       "LIC-AAAA",
		DeploymentID: "dep-1",
		Kind:         license.KindPermanent,
		Status:       license.StatusActive,
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rr := httptest.NewRecorder()
	s.routes().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestValidateEndpointSuccess(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	rr := postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       "LIC-AAAA",
		CallerID:     "caller-7",
		Fingerprint:  "412",
		Protocol:     "v1",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
	var res validate.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Valid || res.Code == "" {
		t.Fatalf("expected valid result with payload, got %+v", res)
	}
}

func TestValidateEndpointHeaderFallback(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", nil)
	req.Header.Set("X-Deployment-Id", "dep-1")
	req.Header.Set("X-Loader-Key", "LIC-AAAA")
	req.Header.Set("X-Caller-Id", "caller-7")
	req.Header.Set("X-Fingerprint", "412")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
	var res validate.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected header-form request to validate, got %+v", res)
	}
}

func TestValidateEndpointBusinessRejectionIs200(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	rr := postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       "LIC-WRONG",
		Fingerprint:  "412",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("business rejection must be 200, got %d", rr.Code)
	}
	var res validate.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Valid || res.Code != validate.ReasonCredentialGone {
		t.Fatalf("expected CREDENTIAL_NOT_FOUND, got %+v", res)
	}
}

func TestValidateEndpointMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.routes()
	req := httptest.NewRequest(http.MethodPost, "/v1/validate", bytes.NewReader([]byte(`{"key":`)))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body must be 400, got %d", rr.Code)
	}
}

func TestValidateEndpointReplayNonce(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()
	headers := map[string]string{"X-Request-Nonce": "nonce-1"}

	first := postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       "LIC-AAAA",
		Fingerprint:  "412",
	}, headers)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	var res validate.Result
	if err := json.Unmarshal(first.Body.Bytes(), &res); err != nil || !res.Valid {
		t.Fatalf("expected first request valid: %+v err=%v", res, err)
	}

	second := postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       "LIC-AAAA",
		Fingerprint:  "412",
	}, headers)
	if err := json.Unmarshal(second.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Valid || res.Code != reasonReplay {
		t.Fatalf("expected replay rejection, got %+v", res)
	}
}

func TestTamperReportEndpointBans(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	ctx := context.Background()
	if err := mem.CreateCredential(ctx, &license.Credential{
		ID:            "cred-bound",
		Secret:        "LIC-BOUND",
		DeploymentID:  "dep-1",
		Kind:          license.KindPermanent,
		Status:        license.StatusActive,
		BoundCallerID: "caller-7",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler := s.routes()

	rr := postJSON(t, handler, "/v1/tamper-report", validate.Request{
		DeploymentID: "dep-1",
		CallerID:     "caller-7",
		Fingerprint:  "999",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	cred, err := mem.FindCredential(ctx, "LIC-BOUND", "dep-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if cred.Status != license.StatusBanned {
		t.Fatalf("expected ban after tamper report, got %q", cred.Status)
	}
}

func TestObfuscateEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.routes()

	rr := postJSON(t, handler, "/admin/v1/obfuscate", obfuscateRequest{
		Source: `local msg = "hello"` + "\n" + `print(msg)` + "\n",
		Config: transform.Config{
			Tier:             transform.TierStandard,
			StringEncryption: true,
			VariableRenaming: true,
			Seed:             7,
		},
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body)
	}
	var res obfuscateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bytes.Contains([]byte(res.Output), []byte(`"hello"`)) {
		t.Fatal("literal must not survive obfuscation")
	}
	if res.Checksum != transform.ChecksumString(res.Output) {
		t.Fatal("checksum must cover returned output")
	}
}

func TestObfuscateEndpointUnknownTier(t *testing.T) {
	s, _ := newTestServer(t)
	rr := postJSON(t, s.routes(), "/admin/v1/obfuscate", obfuscateRequest{
		Source: "print(1)\n",
		Config: transform.Config{Tier: "platinum"},
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown tier must fail fast with 400, got %d", rr.Code)
	}
}

func TestDeploymentAndLoaderLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.routes()

	created := postJSON(t, handler, "/admin/v1/deployments", createDeploymentRequest{
		Name:      "demo",
		APIOrigin: "https://api.example.com",
		Source:    `print("payload")` + "\n",
		Config: transform.Config{
			Tier:             transform.TierStandard,
			StringEncryption: true,
			Seed:             7,
		},
	}, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("create deployment: %d %s", created.Code, created.Body)
	}
	var dep deploymentResponse
	if err := json.Unmarshal(created.Body.Bytes(), &dep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dep.ID == "" || dep.PayloadHash == 0 || !dep.Active {
		t.Fatalf("unexpected deployment: %+v", dep)
	}

	gen := postJSON(t, handler, "/admin/v1/deployments/"+dep.ID+"/loader", generateLoaderRequest{
		Obfuscate:  true,
		DecoyCount: 3,
		Seed:       7,
	}, nil)
	if gen.Code != http.StatusOK {
		t.Fatalf("generate loader: %d %s", gen.Code, gen.Body)
	}
	var loader generateLoaderResponse
	if err := json.Unmarshal(gen.Body.Bytes(), &loader); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !loadergen.VerifySelfHash(loader.Artifact) {
		t.Fatal("generated artifact self-hash must verify")
	}
	if loader.Config.PayloadHash != dep.PayloadHash {
		t.Fatalf("loader config hash mismatch: %d vs %d", loader.Config.PayloadHash, dep.PayloadHash)
	}
}

func TestGenerateLoaderUnknownDeployment(t *testing.T) {
	s, _ := newTestServer(t)
	rr := postJSON(t, s.routes(), "/admin/v1/deployments/dep-missing/loader", generateLoaderRequest{}, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestCreateCredentialAndValidate(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	created := postJSON(t, handler, "/admin/v1/credentials", createCredentialRequest{
		DeploymentID:   "dep-1",
		Kind:           license.KindDays30,
		MaxActivations: 2,
	}, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("create credential: %d %s", created.Code, created.Body)
	}
	var cred credentialResponse
	if err := json.Unmarshal(created.Body.Bytes(), &cred); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cred.Secret == "" || cred.Status != license.StatusActive || cred.ExpiresAt == "" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	rr := postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       cred.Secret,
		Fingerprint:  "412",
	}, nil)
	var res validate.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected issued credential to validate, got %+v", res)
	}
}

func TestCreateCredentialUnknownKind(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	rr := postJSON(t, s.routes(), "/admin/v1/credentials", createCredentialRequest{
		DeploymentID: "dep-1",
		Kind:         "DAYS_7",
	}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rr.Code)
	}
}

func TestBanCredentialEndpoint(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	rr := postJSON(t, handler, "/admin/v1/credentials/cred-1/ban", banRequest{Reason: "abuse"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ban: %d %s", rr.Code, rr.Body)
	}
	cred, err := mem.FindCredential(context.Background(), "LIC-AAAA", "dep-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if cred.Status != license.StatusBanned || cred.BanReason != "abuse" {
		t.Fatalf("expected banned credential, got %+v", cred)
	}

	missing := postJSON(t, handler, "/admin/v1/credentials/cred-missing/ban", banRequest{}, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown credential, got %d", missing.Code)
	}
}

func TestListActivationsEndpoint(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	for i := 0; i < 3; i++ {
		rr := postJSON(t, handler, "/v1/validate", validate.Request{
			DeploymentID: "dep-1",
			Secret:       "LIC-AAAA",
			Fingerprint:  "412",
		}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("validate %d: %d", i, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/v1/credentials/cred-1/activations?limit=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("activations: %d", rr.Code)
	}
	var body struct {
		Activations []store.Activation `json:"activations"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Activations) != 2 {
		t.Fatalf("expected limit applied, got %d entries", len(body.Activations))
	}
}

func TestAdminTokenRequired(t *testing.T) {
	s, _ := newTestServer(t)
	s.AdminToken = "secret-token"
	handler := s.routes()

	rr := postJSON(t, handler, "/admin/v1/obfuscate", obfuscateRequest{Source: "print(1)\n"}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	ok := postJSON(t, handler, "/admin/v1/obfuscate", obfuscateRequest{
		Source: "print(1)\n",
		Config: transform.Config{Tier: transform.TierStandard},
	}, map[string]string{"Authorization": "Bearer secret-token"})
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", ok.Code)
	}

	// Protocol endpoints stay open to loaders.
	probe := postJSON(t, handler, "/v1/validate", validate.Request{}, nil)
	if probe.Code != http.StatusOK {
		t.Fatalf("validate must not require admin token, got %d", probe.Code)
	}
}

func TestRateLimitOnProtocolEndpoints(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	s.RateLimiter = ratelimit.NewMemory(time.Minute)
	handler := s.routes()

	body := validate.Request{DeploymentID: "dep-1", Secret: "LIC-AAAA", Fingerprint: "412"}
	first := postJSON(t, handler, "/v1/validate", body, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := postJSON(t, handler, "/v1/validate", body, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	s, mem := newTestServer(t)
	seedDeployment(t, mem)
	handler := s.routes()

	postJSON(t, handler, "/v1/validate", validate.Request{
		DeploymentID: "dep-1",
		Secret:       "LIC-AAAA",
		Fingerprint:  "412",
	}, nil)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/admin/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Outcomes["OK"] != 1 {
		t.Fatalf("expected OK outcome counted, got %#v", snap.Outcomes)
	}
	if _, ok := snap.Endpoints["POST /v1/validate"]; !ok {
		t.Fatalf("expected endpoint stats, got %#v", snap.Endpoints)
	}
}
