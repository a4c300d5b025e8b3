package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/notesync/internal/notes"
)

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

// RemoteClient is the server side of a flush.
type RemoteClient interface {
	SubmitBatch(ctx context.Context, ops []notes.Operation) (notes.BatchResponse, error)
	GetNote(ctx context.Context, id string) (notes.Note, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 45 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SubmitBatch posts one batch. Resubmitting is safe because the server keys
// every effect by operation id, so transport failures, 429 and 5xx are
// retried. A 408 carries the results that finished before the server deadline
// and is returned with Partial set.
func (c *HTTPClient) SubmitBatch(ctx context.Context, ops []notes.Operation) (notes.BatchResponse, error) {
	var resp notes.BatchResponse
	status, err := c.doJSON(ctx, http.MethodPost, "/v1/sync/batch", map[string]any{"operations": ops}, &resp, http.StatusRequestTimeout)
	if err != nil {
		return notes.BatchResponse{}, err
	}
	if status == http.StatusRequestTimeout {
		resp.Partial = true
	}
	return resp, nil
}

func (c *HTTPClient) GetNote(ctx context.Context, id string) (notes.Note, error) {
	var note notes.Note
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/notes/"+url.PathEscape(id), nil, &note)
	return note, err
}

func (c *HTTPClient) ListVersions(ctx context.Context, id string) ([]notes.NoteVersion, error) {
	var payload struct {
		Versions []notes.NoteVersion `json:"versions"`
	}
	_, err := c.doJSON(ctx, http.MethodGet, "/v1/notes/"+url.PathEscape(id)+"/versions", nil, &payload)
	return payload.Versions, err
}

// doJSON decodes 2xx bodies and bodies of the statuses listed in accept into
// out, returning the final status code.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	body any,
	out any,
	accept ...int,
) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, waitErr
				}
				continue
			}
			return 0, err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return resp.StatusCode, readErr
		}

		if (resp.StatusCode >= 200 && resp.StatusCode <= 299) || containsStatus(accept, resp.StatusCode) {
			if out == nil || len(payloadBytes) == 0 {
				return resp.StatusCode, nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode %s response: %w", requestPath, err)
			}
			return resp.StatusCode, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return resp.StatusCode, waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return resp.StatusCode, &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func containsStatus(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func correlationID() string {
	return fmt.Sprintf("client_%d", time.Now().UnixNano())
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
