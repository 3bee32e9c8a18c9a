// Package notify fans validation security events out to configured
// webhooks. Delivery is fire-and-forget: a dead webhook never changes a
// validation outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const (
	EventCredentialBanned  = "credential_banned"
	EventTamperDetected    = "tamper_detected"
	EventDeploymentCreated = "deployment_created"
	EventHighUsage         = "high_usage_anomaly"
)

// Event is the JSON body posted to each webhook.
type Event struct {
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Notifier posts events to a set of webhook URLs.
type Notifier struct {
	URLs   []string
	Client *http.Client
}

func New(urls []string) *Notifier {
	return &Notifier{
		URLs:   urls,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify dispatches the event to every webhook in the background. Errors
// are logged and dropped.
func (n *Notifier) Notify(eventType string, fields map[string]string) {
	if n == nil || len(n.URLs) == 0 {
		return
	}
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Fields:    fields,
	}
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("notify: marshal %s: %v", eventType, err)
		return
	}
	for _, url := range n.URLs {
		go n.post(url, eventType, body)
	}
}

func (n *Notifier) post(url, eventType string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("notify [%s]: %v", eventType, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client().Do(req)
	if err != nil {
		log.Printf("notify [%s]: %v", eventType, err)
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("notify [%s]: webhook %s returned %d", eventType, url, resp.StatusCode)
	}
}

func (n *Notifier) client() *http.Client {
	if n.Client != nil {
		return n.Client
	}
	return http.DefaultClient
}
