// Package notifications delivers one-time codes to a user's verified contact address
// through a webhook.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OTPMessage is what gets delivered for one challenge.
type OTPMessage struct {
	UserID    string    `json:"user_id"`
	Address   string    `json:"address"`
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Notifier delivers OTP messages. Delivery is synchronous: an error means the user
// did not receive the code.
type Notifier interface {
	SendOTP(ctx context.Context, msg OTPMessage) error
}

// WebhookNotifier POSTs each message as JSON to a fixed URL. Slack incoming webhooks
// receive a {"text": ...} body instead.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a WebhookNotifier for url.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) SendOTP(ctx context.Context, msg OTPMessage) error {
	var payload any = msg
	if isSlack(n.url) {
		payload = map[string]string{"text": fmt.Sprintf(
			"*[Kubilitics shell]* verification code for `%s` on `%s`: *%s* (expires %s)\n> If you did not request a shell session, ignore this message.",
			msg.UserID, msg.Target, msg.Code, msg.ExpiresAt.UTC().Format(time.RFC3339))}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Kubilitics-Shellgate/1.0")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from webhook", resp.StatusCode)
	}
	n.logger.Info("otp delivered", "user_id", msg.UserID, "address", MaskAddress(msg.Address), "session_id", msg.SessionID)
	return nil
}

func isSlack(url string) bool {
	return strings.HasPrefix(url, "https://hooks.slack.com/")
}

// WriterNotifier writes codes to a local stream. It stands in for a webhook in
// development and must not share a stream with shipped logs.
type WriterNotifier struct {
	w io.Writer
}

// NewWriterNotifier creates a WriterNotifier writing to w.
func NewWriterNotifier(w io.Writer) *WriterNotifier {
	return &WriterNotifier{w: w}
}

func (n *WriterNotifier) SendOTP(_ context.Context, msg OTPMessage) error {
	_, err := fmt.Fprintf(n.w, "otp for %s (%s) session %s: %s expires %s\n",
		msg.UserID, MaskAddress(msg.Address), msg.SessionID, msg.Code, msg.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// MaskAddress keeps the first character of the local part and the domain.
func MaskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}
