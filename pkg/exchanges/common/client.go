package common

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPClient wraps the shared request plumbing every adapter uses: budget
// check before dialing, uniform error taxonomy for the response, and body
// decoding. Adapters add their own signing and headers per request.
type HTTPClient struct {
	Exchange string
	Budget   *Budget
	Client   *http.Client
}

// NewHTTPClient builds the plumbing with a 10s request timeout.
func NewHTTPClient(exchange string, budget *Budget) *HTTPClient {
	return &HTTPClient{
		Exchange: exchange,
		Budget:   budget,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Do spends budget, performs the request and maps the response status onto
// the error taxonomy: 401/403 -> AuthError, 429 -> RateLimitError, other
// non-2xx -> APIError. The body is returned on success.
func (c *HTTPClient) Do(req *http.Request) ([]byte, error) {
	if c.Budget != nil {
		if err := c.Budget.Take(); err != nil {
			return nil, err
		}
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", c.Exchange, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Exchange: c.Exchange, Detail: truncate(string(body), 200)}
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{Exchange: c.Exchange}
	case res.StatusCode < 200 || res.StatusCode >= 300:
		return nil, &APIError{
			Exchange:   c.Exchange,
			StatusCode: res.StatusCode,
			Message:    truncate(string(body), 200),
		}
	}
	return body, nil
}

// GetJSON issues a GET with the given headers and decodes the body into v.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, headers map[string]string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	body, err := c.Do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s decode response: %w", c.Exchange, err)
	}
	return nil
}

// PostJSON issues a POST with a pre-encoded body and decodes the reply.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, payload string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	body, err := c.Do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%s decode response: %w", c.Exchange, err)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n]
	}
	return s
}

// ToFloat coerces the numeric-string and float forms exchanges mix freely.
func ToFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case json.Number:
		f, _ := x.Float64()
		return f
	case int64:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}

// ToInt64 coerces timestamps that arrive as numbers or numeric strings.
func ToInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	case json.Number:
		n, _ := x.Int64()
		return n
	case int64:
		return x
	case int:
		return int64(x)
	}
	return 0
}

// ToString coerces ids that arrive as strings or numbers.
func ToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatInt(int64(x), 10)
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}
