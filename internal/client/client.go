package client

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

	"github.com/google/uuid"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/pkg/requestid"
)

const apiPrefix = "/api/v1"

// APIError is returned for every response outside the 2xx range.
type APIError struct {
	StatusCode int
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == code
}

type Client struct {
	server string
	http   *http.Client
}

func New(server string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{server: strings.TrimRight(server, "/"), http: httpClient}
}

func NewFromConfig(config *Config) *Client {
	return New(config.Service.Server, NewHTTPClientFromConfig(config))
}

type ListJobsParams struct {
	Status   []api.JobStatus
	Strategy string
	Limit    int
}

func (c *Client) CreateJob(ctx context.Context, body api.JobCreate) (*api.JobCreated, error) {
	var out api.JobCreated
	if err := c.do(ctx, http.MethodPost, "/jobs", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobs(ctx context.Context, params ListJobsParams) (api.JobList, error) {
	query := url.Values{}
	if len(params.Status) > 0 {
		statuses := make([]string, 0, len(params.Status))
		for _, s := range params.Status {
			statuses = append(statuses, string(s))
		}
		query.Set("status", strings.Join(statuses, ","))
	}
	if params.Strategy != "" {
		query.Set("strategy", params.Strategy)
	}
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}

	var out api.JobList
	if err := c.do(ctx, http.MethodGet, "/jobs", query, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*api.Job, error) {
	var out api.Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String(), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListJobEvents(ctx context.Context, id uuid.UUID) ([]api.JobEvent, error) {
	var out []api.JobEvent
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String()+"/events", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetJobProgress(ctx context.Context, id uuid.UUID) (*api.Progress, error) {
	var out api.Progress
	if err := c.do(ctx, http.MethodGet, "/jobs/"+id.String()+"/progress", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (*api.CancelResult, error) {
	var out api.CancelResult
	if err := c.do(ctx, http.MethodPost, "/jobs/"+id.String()+"/cancel", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Sweep(ctx context.Context) (*api.SweepResult, error) {
	var out api.SweepResult
	if err := c.do(ctx, http.MethodPost, "/sweeps", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListPresets(ctx context.Context) (api.PresetList, error) {
	var out api.PresetList
	if err := c.do(ctx, http.MethodGet, "/presets", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.server + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	reqID := requestid.FromContext(ctx)
	if reqID == "" {
		reqID = requestid.Generate()
	}
	req.Header.Set(requestid.Header, reqID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, RequestID: reqID}
		var payload api.Error
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Message = payload.Message
			if payload.RequestId != nil {
				apiErr.RequestID = *payload.RequestId
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
