package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/patchwork/pkg/models"
)

type daemonStatus struct {
	Mode           string   `json:"mode"`
	Cwd            string   `json:"cwd"`
	ModelID        string   `json:"modelId"`
	APIKeyPresent  bool     `json:"apiKeyPresent"`
	ActiveSessions []string `json:"activeSessions"`
	DBPath         string   `json:"dbPath"`
	LogPath        string   `json:"logPath"`
	DaemonHealthy  bool     `json:"daemonHealthy"`
}

type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Prompt runs can spend minutes in model and approval waits.
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w (is `patchwork serve` running?)", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *apiClient) createSession(ctx context.Context) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", map[string]any{}, &resp); err != nil {
		return "", err
	}
	return resp.SessionID, nil
}

func (c *apiClient) prompt(ctx context.Context, sessionID, prompt, model string) (string, error) {
	body := map[string]any{"prompt": prompt}
	if model != "" {
		body["modelId"] = model
	}
	var resp struct {
		Output string `json:"output"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/prompt", body, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}

func (c *apiClient) status(ctx context.Context) (*daemonStatus, error) {
	var resp daemonStatus
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) logs(ctx context.Context, lines int) ([]string, error) {
	var resp struct {
		Lines []string `json:"lines"`
	}
	path := fmt.Sprintf("/v1/logs?lines=%d", lines)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

func (c *apiClient) listSessions(ctx context.Context, limit int) ([]models.SessionSummary, error) {
	var resp struct {
		Sessions []models.SessionSummary `json:"sessions"`
	}
	path := fmt.Sprintf("/v1/sessions?limit=%d", limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *apiClient) printEvents(ctx context.Context, sessionID string, out io.Writer) error {
	var events []models.Event
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/events", nil, &events); err != nil {
		return err
	}
	for _, evt := range events {
		printEvent(out, &evt)
	}
	return nil
}

// streamEvents follows the session's SSE stream, printing the snapshot
// and then each update until the context ends.
func (c *apiClient) streamEvents(ctx context.Context, sessionID string, out io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/sessions/"+sessionID+"/events/stream", nil)
	if err != nil {
		return err
	}

	// No client timeout: the stream stays open until cancelled.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch eventName {
			case "snapshot":
				var snap struct {
					Events []models.Event `json:"events"`
				}
				if err := json.Unmarshal([]byte(data), &snap); err == nil {
					for _, evt := range snap.Events {
						printEvent(out, &evt)
					}
				}
			case "update":
				var update struct {
					Event models.Event `json:"event"`
				}
				if err := json.Unmarshal([]byte(data), &update); err == nil {
					printEvent(out, &update.Event)
				}
			}
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func printEvent(out io.Writer, evt *models.Event) {
	payload, _ := json.Marshal(evt.Payload)
	fmt.Fprintf(out, "%s  %-20s %s\n",
		evt.CreatedAt.Local().Format("15:04:05.000"), evt.Kind, payload)
}
