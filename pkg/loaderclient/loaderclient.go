// Package loaderclient is the operator-side reference client for the loader
// protocol: the same state machine a generated artifact runs, usable from Go
// to verify a deployment end to end before shipping it. States advance
// Init -> IntegrityCheck -> AntiDebugCheck -> Handshake -> PayloadDecrypt ->
// SandboxExecute; Monitoring runs on the side until cancelled.
package loaderclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"enigmacode/pkg/httpx"
	"enigmacode/pkg/loadergen"
	"enigmacode/pkg/transform"
)

type State string

const (
	StateInit           State = "init"
	StateIntegrityCheck State = "integrity-check"
	StateAntiDebugCheck State = "anti-debug-check"
	StateHandshake      State = "handshake"
	StatePayloadDecrypt State = "payload-decrypt"
	StateSandboxExecute State = "sandbox-execute"
	StateMonitoring     State = "monitoring"
	StateHalted         State = "halted"
)

const (
	defaultExecLimit        = 1
	defaultHandshakeRetries = 3
	fingerprintDriftLimit   = 25
)

// Outcome is fail-closed-silent: the caller-facing surface is a single
// success bit. The halt state and detail exist for trusted logs only and
// are never part of any response the client emits outward.
type Outcome struct {
	ok     bool
	state  State
	detail string
}

func (o Outcome) OK() bool { return o.ok }

func (o Outcome) String() string {
	if o.ok {
		return "ok"
	}
	return "halted"
}

// HaltState reports where the run stopped. Trusted-log use only.
func (o Outcome) HaltState() State { return o.state }

// Detail reports why. Trusted-log use only.
func (o Outcome) Detail() string { return o.detail }

func halt(state State, detail string) Outcome {
	return Outcome{state: state, detail: detail}
}

// Config parameterizes one artifact instance. Zero values pick the protocol
// defaults; the func fields exist so tests can pin time and randomness.
type Config struct {
	Artifact     string
	DeploymentID string
	APIOrigin    string
	Secret       string
	CallerID     string
	PayloadKey   string
	PayloadHash  uint32

	ExecLimit        int
	HandshakeRetries int

	HTTPClient   *http.Client
	Backoff      func(attempt int) time.Duration
	MonitorEvery func() time.Duration
	Fingerprint  func() int
	DebugProbe   func() bool
	Run          func(payload string) error
}

type Client struct {
	cfg Config

	mu        sync.Mutex
	execCount int
	payload   string
}

type handshakeRequest struct {
	Kind         string `json:"kind"`
	DeploymentID string `json:"deployment_id"`
	Secret       string `json:"key"`
	CallerID     string `json:"caller_id"`
	Origin       string `json:"origin"`
	Fingerprint  string `json:"fingerprint"`
	Protocol     string `json:"protocol"`
}

type handshakeResponse struct {
	Valid bool   `json:"valid"`
	Code  string `json:"code"`
}

type tamperReport struct {
	Kind         string `json:"kind"`
	DeploymentID string `json:"deployment_id"`
	CallerID     string `json:"caller_id"`
	Fingerprint  string `json:"fingerprint"`
	Protocol     string `json:"protocol"`
}

func New(cfg Config) *Client {
	if cfg.ExecLimit <= 0 {
		cfg.ExecLimit = defaultExecLimit
	}
	if cfg.HandshakeRetries <= 0 {
		cfg.HandshakeRetries = defaultHandshakeRetries
	}
	if cfg.Backoff == nil {
		cfg.Backoff = func(int) time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
		}
	}
	if cfg.MonitorEvery == nil {
		cfg.MonitorEvery = func() time.Duration {
			return 5*time.Second + time.Duration(rand.Int63n(int64(10*time.Second)))
		}
	}
	if cfg.Fingerprint == nil {
		cfg.Fingerprint = func() int { return 0 }
	}
	if cfg.DebugProbe == nil {
		cfg.DebugProbe = func() bool { return false }
	}
	return &Client{cfg: cfg}
}

// Payload returns the decrypted payload from the last successful run.
func (c *Client) Payload() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// Execute runs the protocol once. Each artifact instance allows at most
// ExecLimit successful full executions; repeats halt immediately.
func (c *Client) Execute(ctx context.Context) Outcome {
	c.mu.Lock()
	if c.execCount >= c.cfg.ExecLimit {
		c.mu.Unlock()
		return halt(StateInit, "execution budget exhausted")
	}
	c.execCount++
	c.mu.Unlock()

	if c.cfg.Artifact != "" && !loadergen.VerifySelfHash(c.cfg.Artifact) {
		return halt(StateIntegrityCheck, "artifact self-hash mismatch")
	}
	if c.cfg.DebugProbe() {
		return halt(StateAntiDebugCheck, "debug capability present")
	}

	resp, out := c.handshake(ctx)
	if !out.ok {
		return out
	}

	cipher, err := base64.StdEncoding.DecodeString(resp.Code)
	if err != nil {
		return halt(StatePayloadDecrypt, "payload not decodable")
	}
	plain := transform.DecryptBytes(cipher, c.cfg.PayloadKey)
	if transform.Checksum(plain) != c.cfg.PayloadHash {
		return halt(StatePayloadDecrypt, "payload checksum mismatch")
	}

	c.sandboxExecute(plain)

	c.mu.Lock()
	c.payload = plain
	c.mu.Unlock()
	return Outcome{ok: true, state: StateSandboxExecute}
}

// handshake retries transport failures with backoff; a validation rejection
// is terminal.
func (c *Client) handshake(ctx context.Context) (handshakeResponse, Outcome) {
	body, err := json.Marshal(handshakeRequest{
		Kind:         "validate",
		DeploymentID: c.cfg.DeploymentID,
		Secret:       c.cfg.Secret,
		CallerID:     c.cfg.CallerID,
		Origin:       c.cfg.APIOrigin,
		Fingerprint:  strconv.Itoa(c.cfg.Fingerprint()),
		Protocol:     "v1",
	})
	if err != nil {
		return handshakeResponse{}, halt(StateHandshake, "request encode failed")
	}
	for attempt := 1; attempt <= c.cfg.HandshakeRetries; attempt++ {
		status, respBody, err := httpx.RequestJSON(ctx, c.cfg.HTTPClient, http.MethodPost,
			c.cfg.APIOrigin+"/v1/validate", body, nil, 0, 0)
		if err != nil || status >= 500 {
			if attempt < c.cfg.HandshakeRetries {
				select {
				case <-ctx.Done():
					return handshakeResponse{}, halt(StateHandshake, "cancelled")
				case <-time.After(c.cfg.Backoff(attempt)):
				}
			}
			continue
		}
		if status != http.StatusOK {
			return handshakeResponse{}, halt(StateHandshake, "rejected")
		}
		var resp handshakeResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return handshakeResponse{}, halt(StateHandshake, "response decode failed")
		}
		if !resp.Valid {
			return handshakeResponse{}, halt(StateHandshake, "rejected: "+resp.Code)
		}
		return resp, Outcome{ok: true, state: StateHandshake}
	}
	return handshakeResponse{}, halt(StateHandshake, "handshake attempts exhausted")
}

// sandboxExecute swallows every fault from the payload hook. No diagnostic
// leaves the client.
func (c *Client) sandboxExecute(payload string) {
	if c.cfg.Run == nil {
		return
	}
	defer func() { _ = recover() }()
	_ = c.cfg.Run(payload)
}

// StartMonitoring launches the background tamper watch and returns a stop
// func. The loop re-verifies artifact integrity and re-samples the
// environment fingerprint; a mismatch or a drift beyond the threshold files
// a tamper report and ends the loop. Fire-and-forget: nothing is returned
// to the execution path.
func (c *Client) StartMonitoring(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	baseline := c.cfg.Fingerprint()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.MonitorEvery()):
			}
			drift := c.cfg.Fingerprint() - baseline
			if drift < 0 {
				drift = -drift
			}
			if drift <= fingerprintDriftLimit && (c.cfg.Artifact == "" || loadergen.VerifySelfHash(c.cfg.Artifact)) {
				continue
			}
			c.reportTamper(ctx)
			return
		}
	}()
	return cancel
}

func (c *Client) reportTamper(ctx context.Context) {
	if c.cfg.CallerID == "" {
		return
	}
	body, err := json.Marshal(tamperReport{
		Kind:         "tamper-report",
		DeploymentID: c.cfg.DeploymentID,
		CallerID:     c.cfg.CallerID,
		Fingerprint:  strconv.Itoa(c.cfg.Fingerprint()),
		Protocol:     "v1",
	})
	if err != nil {
		return
	}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, _, _ = httpx.RequestJSON(reqCtx, c.cfg.HTTPClient, http.MethodPost,
		c.cfg.APIOrigin+"/v1/tamper-report", body, nil, 1, time.Second)
}

