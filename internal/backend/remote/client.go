package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/assetsync/internal/apierr"
	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/metrics"
)

const maxErrorBody = 1 << 20

// errorEnvelope is the JSON error body of the cloud API.
type errorEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// client issues authenticated JSON requests and classifies failures.
type client struct {
	baseURL    string
	httpClient *http.Client
	tokens     auth.TokenSource
	limiter    *rate.Limiter
	log        *zap.Logger
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

func (c *client) url(path string, query url.Values) string {
	u := strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends a request and decodes a successful JSON response into out.
// Every failure is returned as an *apierr.Error and logged here, once.
func (c *client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	start := time.Now()
	status, err := c.roundTrip(ctx, op, method, path, query, body, out)
	metrics.RecordBackendStatus("remote", op, status, time.Since(start))
	if err != nil {
		c.logFailure(op, err)
	}
	return err
}

func (c *client) roundTrip(ctx context.Context, op, method, path string, query url.Values, body, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, apierr.Network(op, err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, apierr.Internal(op, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return 0, apierr.Internal(op, "build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, &apierr.Error{Kind: apierr.ErrNotAuthorized, Op: op, Message: "no session", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, apierr.Network(op, err)
	}
	defer resp.Body.Close()

	if err := classify(op, resp); err != nil {
		return resp.StatusCode, err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, &apierr.Error{Kind: apierr.ErrServer, Op: op, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return resp.StatusCode, nil
}

// classify maps a non-2xx response onto the error taxonomy.
func classify(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	env := errorEnvelope{Message: "unknown error"}
	if isJSON(resp.Header.Get("Content-Type")) {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var decoded errorEnvelope
		if json.Unmarshal(data, &decoded) == nil && decoded.Message != "" {
			env = decoded
		}
	}

	return &apierr.Error{
		Kind:    statusKind(resp.StatusCode),
		Op:      op,
		Status:  resp.StatusCode,
		Code:    env.Code,
		Message: env.Message,
		Param:   env.Param,
	}
}

func statusKind(status int) error {
	switch {
	case status == http.StatusNotFound:
		return apierr.ErrNotFound
	case status == http.StatusForbidden:
		return apierr.ErrForbidden
	case status == http.StatusUnauthorized:
		return apierr.ErrNotAuthorized
	case status == http.StatusConflict:
		return apierr.ErrConflict
	case status >= 500:
		return apierr.ErrServer
	default:
		return apierr.ErrNetwork
	}
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func (c *client) logFailure(op string, err error) {
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	var e *apierr.Error
	if errors.As(err, &e) {
		fields = append(fields, zap.Int("status", e.Status), zap.String("code", e.Code))
	}
	c.log.Error("remote request failed", fields...)
}
