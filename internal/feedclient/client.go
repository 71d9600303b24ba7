package feedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentworkforce/relaytimeline/internal/timeline"
)

var ErrInvalidPage = errors.New("invalid page")

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether the status would have been retried had attempts
// remained.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 599)
}

const pageSchema = `{
  "type": "object",
  "required": ["records"],
  "properties": {
    "records": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "reblogOf": {"type": "string"},
          "cursor": {"type": "string"},
          "timestamp": {"type": "string"},
          "payload": {}
        }
      }
    },
    "newerCursor": {"type": "string"},
    "olderCursor": {"type": "string"},
    "exhausted": {"type": "boolean"},
    "truncated": {"type": "boolean"}
  }
}`

type pageRecord struct {
	ID        string          `json:"id"`
	ReblogOf  string          `json:"reblogOf,omitempty"`
	Cursor    string          `json:"cursor,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type pageResponse struct {
	Records     []pageRecord `json:"records"`
	NewerCursor string       `json:"newerCursor,omitempty"`
	OlderCursor string       `json:"olderCursor,omitempty"`
	Exhausted   bool         `json:"exhausted,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
}

// HTTPClient fetches timeline pages from a source gateway that fronts the
// individual platforms:
//
//	GET /v1/sources/{platform}/timelines/{timeline}/page?since_id=..&limit=..
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	schema     *jsonschema.Schema
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	schema, err := compilePageSchema()
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		schema:     schema,
	}, nil
}

func compilePageSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(pageSchema), &doc); err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mem://timeline-page.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("mem://timeline-page.json")
}

func (c *HTTPClient) Fetch(ctx context.Context, params timeline.FetchParams) (timeline.FetchResult, error) {
	if strings.TrimSpace(string(params.Timeline)) == "" || strings.TrimSpace(string(params.Platform)) == "" {
		return timeline.FetchResult{}, timeline.ErrInvalidInput
	}
	requestPath := fmt.Sprintf("/v1/sources/%s/timelines/%s/page?%s",
		url.PathEscape(string(params.Platform)),
		url.PathEscape(string(params.Timeline)),
		queryFor(params).Encode())

	correlation := params.CorrelationID
	if correlation == "" {
		correlation = uuid.NewString()
	}
	body, err := c.doJSON(ctx, http.MethodGet, requestPath, correlation)
	if err != nil {
		return timeline.FetchResult{}, err
	}
	page, err := c.decodePage(body)
	if err != nil {
		return timeline.FetchResult{}, err
	}
	return toFetchResult(params, page)
}

// queryFor maps a bound to the query parameter the gateway forwards to the
// platform.
func queryFor(params timeline.FetchParams) url.Values {
	q := url.Values{}
	bound := strings.TrimSpace(string(params.Bound))
	if bound != "" {
		switch params.BoundKind {
		case timeline.BoundSince:
			q.Set("since_id", bound)
		case timeline.BoundMin:
			q.Set("min_id", bound)
		case timeline.BoundMaxInclusive, timeline.BoundMaxExclusive:
			q.Set("max_id", bound)
		case timeline.BoundPageToken:
			q.Set("cursor", bound)
		}
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	return q
}

func (c *HTTPClient) decodePage(body []byte) (pageResponse, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return pageResponse{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return pageResponse{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return pageResponse{}, fmt.Errorf("%w: %v", ErrInvalidPage, err)
	}
	return page, nil
}

func toFetchResult(params timeline.FetchParams, page pageResponse) (timeline.FetchResult, error) {
	records := make([]timeline.SourceRecord, 0, len(page.Records))
	for _, item := range page.Records {
		rec := timeline.SourceRecord{
			Platform: params.Platform,
			ID:       item.ID,
			ReblogOf: item.ReblogOf,
			Cursor:   timeline.Cursor(item.Cursor),
			Payload:  item.Payload,
		}
		if ts := strings.TrimSpace(item.Timestamp); ts != "" {
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return timeline.FetchResult{}, fmt.Errorf("%w: record %s timestamp: %v", ErrInvalidPage, item.ID, err)
			}
			rec.Timestamp = parsed.UTC()
		}
		records = append(records, rec)
	}
	return timeline.FetchResult{
		Params:  params,
		Records: records,
		Boundary: timeline.BoundaryCursors{
			Newer:     timeline.Cursor(page.NewerCursor),
			Older:     timeline.Cursor(page.OlderCursor),
			Exhausted: page.Exhausted,
			Truncated: page.Truncated,
		},
	}, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath, correlation string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, nil)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlation)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return bytes.TrimSpace(payloadBytes), nil
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		if httpErr.Retryable() && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr.Code = errPayload.Code
		httpErr.Message = errPayload.Message
		return nil, httpErr
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
