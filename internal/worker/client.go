package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sparkmini/sparkmini/internal/shared/fault"
	"github.com/sparkmini/sparkmini/internal/shared/protocol"
)

// MasterClient is the worker's side of the control protocol.
type MasterClient struct {
	baseURL string
	client  *http.Client
}

func NewMasterClient(baseURL string) *MasterClient {
	return &MasterClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *MasterClient) Register(ctx context.Context, addr string, slots int) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.post(ctx, "/api/v1/internal/register", protocol.RegisterRequest{Addr: addr, Slots: slots}, &resp)
	return resp, err
}

func (c *MasterClient) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	err := c.post(ctx, "/api/v1/internal/heartbeat", req, &resp)
	return resp, err
}

func (c *MasterClient) ReportTask(ctx context.Context, req protocol.TaskReportRequest) error {
	var resp protocol.TaskReportResponse
	return c.post(ctx, "/api/v1/internal/task_report", req, &resp)
}

func (c *MasterClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.IoError, err, "POST %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fault.New(fault.IoError, "POST %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
