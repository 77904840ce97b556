package activities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// HTTPInput describes one HTTP request
type HTTPInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	// JSON is encoded as the request body when set.
	JSON any `json:"json,omitempty"`
	// Timeout bounds the request. The attempt deadline applies as well.
	Timeout          time.Duration `json:"timeout,omitempty"`
	NoFollowRedirect bool          `json:"no_follow_redirect,omitempty"`
	// FailOnStatus fails the attempt for 5xx responses so they are retried.
	FailOnStatus bool `json:"fail_on_status,omitempty"`
}

// HTTPOutput is the recorded response
type HTTPOutput struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	JSON       any               `json:"json,omitempty"`
}

// NewHTTPActivity returns the "http" activity
func NewHTTPActivity() durable.Activity {
	return NewHTTPActivityWithClient(http.DefaultClient)
}

// NewHTTPActivityWithClient returns the "http" activity using client
func NewHTTPActivityWithClient(client *http.Client) durable.Activity {
	return durable.TypedActivityFunction(TypeHTTP, func(ctx durable.ActivityContext, in HTTPInput) (HTTPOutput, error) {
		return doHTTP(ctx, client, in)
	})
}

func doHTTP(ctx durable.ActivityContext, client *http.Client, in HTTPInput) (HTTPOutput, error) {
	if in.URL == "" {
		return HTTPOutput{}, invalidInput("url is required")
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if in.JSON != nil {
		data, err := json.Marshal(in.JSON)
		if err != nil {
			return HTTPOutput{}, invalidInput("encode json body: %v", err)
		}
		body = bytes.NewReader(data)
	} else if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return HTTPOutput{}, invalidInput("build request: %v", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}
	if in.JSON != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	c := *client
	if in.Timeout > 0 {
		c.Timeout = in.Timeout
	}
	if in.NoFollowRedirect {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	resp, err := c.Do(req)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("http %s %s: %w", method, in.URL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPOutput{}, fmt.Errorf("read response body: %w", err)
	}
	ctx.Logger().Debug("http request done", "method", method, "url", in.URL, "status", resp.StatusCode)

	out := HTTPOutput{StatusCode: resp.StatusCode, Body: string(data), Headers: make(map[string]string, len(resp.Header))}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var v any
		if json.Unmarshal(data, &v) == nil {
			out.JSON = v
		}
	}
	if in.FailOnStatus && resp.StatusCode >= 500 {
		return out, fmt.Errorf("http %s %s: %s", method, in.URL, resp.Status)
	}
	return out, nil
}
