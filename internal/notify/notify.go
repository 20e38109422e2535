// Package notify is the outbound hook into the external messaging
// collaborator. Delivery is fire-and-forget: a failed emit is logged and
// never rolls back the state transition that triggered it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Payload is the notification body handed to the messaging collaborator.
type Payload map[string]any

// Emitter delivers a notification to one participant.
type Emitter interface {
	Emit(ctx context.Context, targetParticipantID string, payload Payload)
}

// Nop drops every notification. Used when no messaging endpoint is configured.
type Nop struct{}

func (Nop) Emit(context.Context, string, Payload) {}

// HTTPEmitter posts notifications to the messaging collaborator's endpoint.
type HTTPEmitter struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewHTTPEmitter(url, secret string, timeout time.Duration) *HTTPEmitter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPEmitter{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

func (e *HTTPEmitter) Emit(ctx context.Context, targetParticipantID string, payload Payload) {
	if strings.TrimSpace(e.URL) == "" {
		return
	}
	body := map[string]any{
		"target":  targetParticipantID,
		"payload": payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.Printf("notify: marshal payload failed: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(data))
	if err != nil {
		log.Printf("notify: build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Keyturn-Target", targetParticipantID)
	if strings.TrimSpace(e.Secret) != "" {
		req.Header.Set("X-Keyturn-Secret", e.Secret)
	}
	res, err := e.Client.Do(req)
	if err != nil {
		log.Printf("notify: deliver to %s failed: %v", e.URL, err)
		return
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		log.Printf("notify: deliver to %s failed: %s", e.URL,
			fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes))))
	}
}
