package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// AdapterClient talks to one vendor adapter service over HTTP. The adapters
// own the vendor credentials and API quirks; the control plane only sends
// them dispatch payloads and asks about run outcomes. One client type serves
// all four adapters, differing only in base URL.
type AdapterClient struct {
	baseURL string
	http    *http.Client
}

func NewAdapterClient(baseURL string, httpClient *http.Client) (*AdapterClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse adapter url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid adapter url: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &AdapterClient{baseURL: strings.TrimRight(parsed.String(), "/"), http: httpClient}, nil
}

// WorkflowClient.

func (c *AdapterClient) TriggerWorkflow(ctx context.Context, event domain.DispatchExecutionEvent) error {
	return c.doJSON(ctx, http.MethodPost, "/workflows/trigger", event, nil)
}

func (c *AdapterClient) RunFailureReason(ctx context.Context, e domain.Execution) (string, error) {
	var out reasonResponse
	if err := c.doJSON(ctx, http.MethodPost, "/runs/failure-reason", e, &out); err != nil {
		return "", err
	}
	return out.Reason, nil
}

// PipelineClient.

func (c *AdapterClient) TriggerPipeline(ctx context.Context, events []domain.DispatchExecutionEvent) (string, error) {
	var out struct {
		PipelineID string `json:"pipeline_id"`
	}
	in := struct {
		Events []domain.DispatchExecutionEvent `json:"events"`
	}{Events: events}
	if err := c.doJSON(ctx, http.MethodPost, "/pipelines/trigger", in, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.PipelineID) == "" {
		return "", errors.New("adapter returned no pipeline id")
	}
	return out.PipelineID, nil
}

func (c *AdapterClient) CancelPipeline(ctx context.Context, e domain.Execution) error {
	return c.doJSON(ctx, http.MethodPost, "/pipelines/"+url.PathEscape(e.RunID)+"/cancel", nil, nil)
}

func (c *AdapterClient) PipelineFailureReason(ctx context.Context, e domain.Execution) (string, error) {
	var out reasonResponse
	if err := c.doJSON(ctx, http.MethodGet, "/pipelines/"+url.PathEscape(e.RunID)+"/failure-reason", nil, &out); err != nil {
		return "", err
	}
	return out.Reason, nil
}

// AWSBatchClient / GCPBatchClient.

func (c *AdapterClient) SubmitJob(ctx context.Context, event domain.DispatchExecutionEvent) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/jobs", event, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.JobID) == "" {
		return "", errors.New("adapter returned no job id")
	}
	return out.JobID, nil
}

func (c *AdapterClient) TerminateJob(ctx context.Context, jobID, reason string) error {
	in := struct {
		Reason string `json:"reason"`
	}{Reason: reason}
	return c.doJSON(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/terminate", in, nil)
}

func (c *AdapterClient) DeleteJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(jobID), nil, nil)
}

func (c *AdapterClient) JobFailureReason(ctx context.Context, jobID string) (string, error) {
	var out reasonResponse
	if err := c.doJSON(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/failure-reason", nil, &out); err != nil {
		return "", err
	}
	return out.Reason, nil
}

// JobLogsClient.

func (c *AdapterClient) JobLogs(ctx context.Context, jobID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs/"+url.PathEscape(jobID)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, adapterError(resp)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

type reasonResponse struct {
	Reason string `json:"reason"`
}

func (c *AdapterClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return adapterError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode adapter response: %w", err)
	}
	return nil
}

func adapterError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	message := strings.TrimSpace(string(snippet))
	if message == "" {
		message = resp.Status
	}
	return fmt.Errorf("adapter %s %s: %s", resp.Request.Method, resp.Request.URL.Path, message)
}
