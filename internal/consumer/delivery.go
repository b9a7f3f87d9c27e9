package consumer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sneh-joshi/agenthub/internal/types"
)

// Webhook request headers.
const (
	SignatureHeader = "X-AgentHub-Signature"
	AgentHeader     = "X-AgentHub-Agent"
	MessageIDHeader = "X-AgentHub-Message-ID"
)

// Sign returns the signature header value for body: "sha256=" followed by
// the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is a valid signature of body. Receivers use it
// to authenticate deliveries.
func Verify(secret string, body []byte, sig string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(sig))
}

// deliver POSTs msg as JSON to the webhook URL. Any 2xx is success.
func deliver(ctx context.Context, client *http.Client, wh *Webhook, msg *types.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("consumer: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("consumer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AgentHeader, wh.AgentID)
	req.Header.Set(MessageIDHeader, msg.ID)
	if wh.secret != "" {
		req.Header.Set(SignatureHeader, Sign(wh.secret, body))
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("consumer: POST %s: %w", wh.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("consumer: endpoint returned %d", resp.StatusCode)
	}
	return nil
}
