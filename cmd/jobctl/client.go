package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiClient is a thin HTTP wrapper around the control surface's RPC
// routes (§6.3): one bearer-token-authenticated JSON request/response
// round trip per call, nothing fancier.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, describeError(data), resp.StatusCode)
	}
	return data, nil
}

// describeError pulls the "error"/"code" fields out of a control-surface
// error envelope (internal/errs.SupervisorError's JSON shape), falling
// back to the raw body if it doesn't parse as JSON.
func describeError(data []byte) string {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		return "(no body)"
	}
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return msg
	}
	if parsed.Message != "" {
		if parsed.Code != "" {
			return fmt.Sprintf("%s (%s)", parsed.Message, parsed.Code)
		}
		return parsed.Message
	}
	if parsed.Error != "" {
		return parsed.Error
	}
	return msg
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

// parseEnv turns a comma-separated "KEY=value,KEY2=value2" flag argument
// into the []string form Start/Emit expect ("KEY=value" entries).
func parseEnv(input string) ([]string, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	var env []string
	for _, pair := range strings.Split(input, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			return nil, fmt.Errorf("invalid env entry %q, expected KEY=value", pair)
		}
		env = append(env, pair)
	}
	return env, nil
}
