package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/hipaadirect/direct-go/internal/transport"
)

// APIError is a non-2xx response from the queue service.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		if e.Message != "" {
			return fmt.Sprintf("queue API error %d: %s (request_id: %s)", e.StatusCode, e.Message, e.RequestID)
		}
		return fmt.Sprintf("queue API error %d (request_id: %s)", e.StatusCode, e.RequestID)
	}
	if e.Message != "" {
		return fmt.Sprintf("queue API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("queue API error %d", e.StatusCode)
}

// request is one HTTP exchange against the service.
type request struct {
	method string
	path   string
	body   any
	accept string
}

// do sends req and decodes a JSON response into result, or copies the raw
// body when result is *[]byte. A nil result discards the body.
func (b *Backend) do(ctx context.Context, req request, result any) error {
	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, b.baseURL+req.path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.SetBasicAuth(b.username, b.password)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())
	accept := req.accept
	if accept == "" {
		accept = "application/json"
	}
	httpReq.Header.Set("Accept", accept)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp)
	}

	switch r := result.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		*r = data
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &decodeError{err: err}
		}
		return nil
	}
}

func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp struct {
		Error     string `json:"error"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	}
	apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Error != "" || errResp.Message != "") {
		apiErr.Message = errResp.Error
		if apiErr.Message == "" {
			apiErr.Message = errResp.Message
		}
		if errResp.RequestID != "" {
			apiErr.RequestID = errResp.RequestID
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}

// decodeError marks a 2xx response whose body could not be decoded.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// classify maps an exchange failure onto the transport taxonomy.
func (b *Backend) classify(ctx context.Context, op, id string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound && id != "":
			return transport.NotFound(transport.KindQueue, id)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return transport.Classify(ctx, transport.KindQueue, op, b.timeout, apiErr)
		default:
			return transport.Protocol(transport.KindQueue, op, fmt.Sprintf("status %d", apiErr.StatusCode), apiErr)
		}
	}
	var de *decodeError
	if errors.As(err, &de) {
		return transport.Protocol(transport.KindQueue, op, "malformed response body", de.err)
	}
	return transport.Classify(ctx, transport.KindQueue, op, b.timeout, err)
}
