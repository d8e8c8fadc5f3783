package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"protean/internal/capability"
)

// ExternalAPI performs an outbound JSON-over-HTTP call per execution.
// Treated as untrusted and unreliable: network failures are expected and
// map to ProviderFault, deadline expiry to Timeout.
type ExternalAPI struct {
	endpoint string
	headers  map[string]string
	client   *http.Client
}

// NewExternalAPI builds a provider posting to endpoint. A zero timeout
// falls back to 30s.
func NewExternalAPI(endpoint string, headers map[string]string, timeout time.Duration) *ExternalAPI {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ExternalAPI{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
	}
}

func (e *ExternalAPI) Kind() capability.ProviderKind { return capability.KindExternalAPI }

func (e *ExternalAPI) Execute(ctx context.Context, input map[string]any) (map[string]any, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultValidation, "input not serializable", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider, "request construction failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, capability.NewExecutionError(capability.FaultTimeout, "api call timed out", err)
		}
		return nil, capability.NewExecutionError(capability.FaultProvider, "api call failed", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider, "api response unreadable", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, capability.NewExecutionError(capability.FaultProvider,
			fmt.Sprintf("api returned status %d: %s", resp.StatusCode, firstLine(string(payload))), nil)
	}

	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, capability.NewExecutionError(capability.FaultProvider, "malformed api response", err)
	}
	return out, nil
}
