package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/metrics"
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls the vision service's JSON endpoint and validates what comes back.
type HTTPClient struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

func NewHTTPClient(cfg Config, log *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("classifier"),
	}
}

func (c *HTTPClient) Classify(ctx context.Context, req Request) (res Result, err error) {
	if len(req.Images) == 0 {
		return Result{}, &Error{Kind: BadRequest, Message: "no images"}
	}
	schema, err := schemaFor(req.Kind)
	if err != nil {
		return Result{}, &Error{Kind: BadRequest, Message: err.Error()}
	}

	rid := uuid.NewString()
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(Unknown)
			var ce *Error
			if errors.As(err, &ce) {
				outcome = string(ce.Kind)
			}
		}
		metrics.ClassifierRequests.WithLabelValues(string(req.Kind), outcome).Inc()
		metrics.ClassifierLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/classify"
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Request-ID", rid)
	if c.cfg.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(hreq)
	if err != nil {
		c.log.Warn("classify send failed", zap.String("req_id", rid), zap.Error(err),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()))
		return Result{}, fmt.Errorf("classifier request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Warn("classify response close failed", zap.String("req_id", rid), zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	c.log.Debug("classify response",
		zap.String("req_id", rid),
		zap.String("kind", string(req.Kind)),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(raw)),
		zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
	)

	if resp.StatusCode/100 != 2 {
		return Result{}, &Error{Kind: KindForStatus(resp.StatusCode), StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Result{}, &Error{Kind: Unknown, StatusCode: resp.StatusCode, Message: "decode result: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		c.log.Warn("classify result failed validation", zap.String("req_id", rid), zap.Error(err), zap.ByteString("raw", raw))
		return Result{}, &Error{Kind: Unknown, StatusCode: resp.StatusCode, Message: "invalid result: " + err.Error()}
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, &Error{Kind: Unknown, StatusCode: resp.StatusCode, Message: "decode result: " + err.Error()}
	}
	if req.Kind == KindLabel && len(req.Labels) > 0 && !slices.Contains(req.Labels, res.Label) {
		return Result{}, &Error{Kind: Unknown, StatusCode: resp.StatusCode, Message: fmt.Sprintf("label %q not in allowed set", res.Label)}
	}
	res.Raw = raw
	return res, nil
}

func errorMessage(raw []byte) string {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Message != "" {
			return e.Message
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
