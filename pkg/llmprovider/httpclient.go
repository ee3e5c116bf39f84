package llmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vana-com/personal-server/pkg/apperrors"
)

// HTTPClient is a RemoteClient implementation against a
// prediction-style REST API (submit a model+prompt, poll an id, cancel
// an id). A deployment pointed at a vendor with a different API shape
// supplies its own RemoteClient.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates an HTTPClient against baseURL, authenticating
// with an "Authorization: Token <token>" header.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{baseURL: baseURL, token: token, client: &http.Client{Timeout: timeout}}
}

type predictionResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output"`
	Error  string `json:"error"`
}

// Submit creates a prediction with model and prompt.
func (c *HTTPClient) Submit(ctx context.Context, prompt, modelVersion string) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"model": modelVersion,
		"input": map[string]string{"prompt": prompt},
	})

	var resp predictionResponse
	if err := c.do(ctx, http.MethodPost, "/predictions", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Poll retrieves a prediction's current state.
func (c *HTTPClient) Poll(ctx context.Context, remoteID string) (RemoteState, error) {
	var resp predictionResponse
	if err := c.do(ctx, http.MethodGet, "/predictions/"+remoteID, nil, &resp); err != nil {
		return RemoteState{}, err
	}
	return RemoteState{Status: resp.Status, Output: resp.Output, Error: resp.Error}, nil
}

// Cancel requests cancellation of a prediction.
func (c *HTTPClient) Cancel(ctx context.Context, remoteID string) (bool, error) {
	var resp predictionResponse
	if err := c.do(ctx, http.MethodPost, "/predictions/"+remoteID+"/cancel", nil, &resp); err != nil {
		return false, err
	}
	return resp.Status == "canceled", nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.KindValidation, "malformed remote inference request", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.New(apperrors.KindCompute, "remote inference request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apperrors.New(apperrors.KindCompute, fmt.Sprintf("remote inference API returned %d", resp.StatusCode), nil)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.New(apperrors.KindCompute, "malformed remote inference response", err)
	}
	return nil
}
