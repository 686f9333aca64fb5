// Package refbroker is the reference broker adapter: a thin HTTP client
// plus a transformer layer from the broker's own wire shapes into the
// uniform domain model, the same split the pack's Tradernet client uses.
package refbroker

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
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/sentinel/internal/utils"
)

const defaultBaseURL = "https://api.refbroker.example"

// client is the unexported HTTP transport: request signing, a single
// shared http.Client, and raw wire decoding. Adapter wraps it and maps
// wire types to domain types.
type client struct {
	apiKey    string
	apiSecret string
	baseURL   string
	http      *http.Client
	log       zerolog.Logger
}

func newClient(apiKey, apiSecret string, log zerolog.Logger) *client {
	return &client{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   defaultBaseURL,
		http:      &http.Client{Timeout: 15 * time.Second},
		log:       log.With().Str("client", "refbroker").Logger(),
	}
}

// wireEnvelope is the reference broker's standard response shape.
type wireEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// sign computes the request signature: HMAC-SHA256 over body+timestamp,
// keyed by the API secret, hex-encoded.
func (c *client) sign(body, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(body + timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// post sends an authenticated POST to cmd with params as the JSON body
// and decodes the envelope's data field into out.
func (c *client) post(ctx context.Context, authToken, cmd string, params interface{}, out interface{}) error {
	defer utils.OperationTimer("refbroker."+cmd, c.log)()

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal request params: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := c.sign(string(body), timestamp)

	url := c.baseURL + "/api/" + cmd
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Api-Timestamp", timestamp)
	req.Header.Set("X-Api-Signature", signature)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", cmd, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response for %s: %w", cmd, err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Error().Int("status", resp.StatusCode).Str("cmd", cmd).Str("body", truncate(raw, 500)).Msg("refbroker returned non-200")
		return fmt.Errorf("refbroker %s returned status %d", cmd, resp.StatusCode)
	}

	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope for %s: %w", cmd, err)
	}
	if !env.Success {
		return fmt.Errorf("refbroker %s failed: %s", cmd, env.Error)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data for %s: %w", cmd, err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
