package sync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Trigger schedules a seed sync
type Trigger interface {
	Trigger()
}

// WebhookHandler handles GitHub webhook events
type WebhookHandler struct {
	secret  []byte
	trigger Trigger
	branch  string
	logger  *slog.Logger
}

// PushEvent represents the parts of a GitHub push event payload in use
type PushEvent struct {
	Ref        string `json:"ref"`
	Before     string `json:"before"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Pusher struct {
		Name string `json:"name"`
	} `json:"pusher"`
	Commits []struct {
		ID string `json:"id"`
	} `json:"commits"`
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(secret string, trigger Trigger, branch string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		secret:  []byte(secret),
		trigger: trigger,
		branch:  branch,
		logger:  logger,
	}
}

// ServeHTTP handles incoming webhook requests
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10*1024*1024)) // 10MB limit
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !h.validateSignature(signature, body) {
		h.logger.Warn("invalid webhook signature",
			"remote_addr", r.RemoteAddr,
		)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	h.logger.Info("webhook received",
		"event", eventType,
		"delivery_id", r.Header.Get("X-GitHub-Delivery"),
	)

	if eventType != "push" {
		h.logger.Debug("ignoring non-push event", "event", eventType)
		writeStatus(w, `{"status": "ignored", "reason": "not a push event"}`)
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to parse push event", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	expectedRef := "refs/heads/" + h.branch
	if event.Ref != expectedRef {
		h.logger.Debug("ignoring push to different branch",
			"ref", event.Ref,
			"expected", expectedRef,
		)
		writeStatus(w, `{"status": "ignored", "reason": "different branch"}`)
		return
	}

	h.logger.Info("push event for seed branch",
		"repository", event.Repository.FullName,
		"ref", event.Ref,
		"before", shortSHA(event.Before),
		"after", shortSHA(event.After),
		"commit_count", len(event.Commits),
		"pusher", event.Pusher.Name,
	)

	h.trigger.Trigger()
	writeStatus(w, `{"status": "accepted"}`)
}

func (h *WebhookHandler) validateSignature(signature string, body []byte) bool {
	if signature == "" || len(h.secret) == 0 {
		return false
	}

	// Signature format: sha256=<hex>
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expectedMAC := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(parts[1]), []byte(expectedMAC))
}

func writeStatus(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
