// Package client is the thin HTTP client behind the CLI: a formatter
// around the master's public API, nothing more.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SubmitJob(req protocol.SubmitJobRequest) (protocol.JobInfo, error) {
	var info protocol.JobInfo
	err := c.do(http.MethodPost, "/api/v1/jobs", req, &info)
	return info, err
}

func (c *Client) GetJob(id string) (protocol.JobInfo, error) {
	var info protocol.JobInfo
	err := c.do(http.MethodGet, "/api/v1/jobs/"+id, nil, &info)
	return info, err
}

func (c *Client) GetResults(id string) (protocol.JobResults, error) {
	var res protocol.JobResults
	err := c.do(http.MethodGet, "/api/v1/jobs/"+id+"/results", nil, &res)
	return res, err
}

func (c *Client) ListWorkers() ([]protocol.WorkerInfo, error) {
	var workers []protocol.WorkerInfo
	err := c.do(http.MethodGet, "/api/v1/workers", nil, &workers)
	return workers, err
}

// WaitForJob polls until the job reaches a terminal status.
func (c *Client) WaitForJob(id string, poll time.Duration) (protocol.JobInfo, error) {
	for {
		info, err := c.GetJob(id)
		if err != nil {
			return protocol.JobInfo{}, err
		}
		if info.Status == protocol.StatusSucceeded || info.Status == protocol.StatusFailed {
			return info, nil
		}
		time.Sleep(poll)
	}
}

func (c *Client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			if apiErr.Kind != "" {
				return fmt.Errorf("%s: %s", apiErr.Kind, apiErr.Message)
			}
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
