package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Page is one page of a source listing.
type Page struct {
	Refs []string `json:"images"`
	// Next is the cursor of the following page, empty on the last one.
	Next string `json:"next_cursor"`
}

// Source lists the images published at a source URL, page by page.
type Source interface {
	List(ctx context.Context, sourceURL, cursor string) (Page, error)
}

// SourceError is a non-2xx listing response.
type SourceError struct {
	StatusCode int
	Message    string
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source listing (%d): %s", e.StatusCode, e.Message)
}

func (e *SourceError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// HTTPSource reads JSON listings: GET <source_url>?cursor=<cursor>.
type HTTPSource struct {
	http *http.Client
	log  *zap.Logger
}

func NewHTTPSource(timeout time.Duration, log *zap.Logger) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPSource{http: &http.Client{Timeout: timeout}, log: log.Named("source")}
}

func (s *HTTPSource) List(ctx context.Context, sourceURL, cursor string) (Page, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return Page{}, errors.Wrap(err, "parse source url")
	}
	if cursor != "" {
		q := u.Query()
		q.Set("cursor", cursor)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, errors.Wrap(err, "build listing request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return Page{}, errors.Wrap(err, "fetch listing")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Page{}, errors.Wrap(err, "read listing")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(body)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return Page{}, &SourceError{StatusCode: resp.StatusCode, Message: msg}
	}
	var page Page
	if err := json.Unmarshal(body, &page); err != nil {
		return Page{}, errors.Wrap(err, "decode listing")
	}
	s.log.Debug("listing page fetched",
		zap.String("source", u.Host), zap.Int("images", len(page.Refs)), zap.Bool("last", page.Next == ""))
	return page, nil
}
