package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/skatepark/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the skatepark API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListRuns fetches every run known to the daemon
func (c *Client) ListRuns() ([]RunItem, error) {
	var body struct {
		Runs []models.Run `json:"structure_runs"`
	}
	if err := c.get("/api/runs", &body); err != nil {
		return nil, err
	}

	items := make([]RunItem, len(body.Runs))
	for i, r := range body.Runs {
		items[i] = RunItem{
			ID:          r.ID,
			StructureID: r.StructureID,
			Status:      r.Status,
			ExitCode:    r.ExitCode,
			CreatedAt:   r.CreatedAt,
		}
	}
	return items, nil
}

// GetRun fetches a run together with its logs and events
func (c *Client) GetRun(id string) (*RunDetail, error) {
	var run models.Run
	if err := c.get("/api/runs/"+id, &run); err != nil {
		return nil, err
	}

	var logs struct {
		Logs []models.Log `json:"logs"`
	}
	if err := c.get("/api/runs/"+id+"/logs", &logs); err != nil {
		return nil, err
	}

	var events struct {
		Events []models.Event `json:"events"`
	}
	if err := c.get("/api/runs/"+id+"/events", &events); err != nil {
		return nil, err
	}

	return &RunDetail{Run: run, Logs: logs.Logs, Events: events.Events}, nil
}

// CancelRun asks the daemon to cancel a run
func (c *Client) CancelRun(id string) error {
	_, err := c.post("/api/runs/"+id+"/cancel", nil)
	return err
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var health struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, err
	}

	return health.OK, nil
}

func (c *Client) get(path string, v interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) post(path string, data interface{}) ([]byte, error) {
	var payload io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", strings.TrimSpace(string(body)))
	}

	return body, nil
}
