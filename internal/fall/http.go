package fall

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sweeney/floor-sensor/internal/frame"
)

// HTTPClassifier scores windows against a model server. The server receives
// the window as JSON and answers {"probability": p}.
type HTTPClassifier struct {
	client *resty.Client
	path   string
}

// scoreRequest carries each frame as its row-major cell bytes, which
// encoding/json writes as base64 strings.
type scoreRequest struct {
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	Timestamps []float64 `json:"timestamps"`
	Frames     [][]uint8 `json:"frames"`
}

type scoreResponse struct {
	Probability *float64 `json:"probability"`
}

// NewHTTPClassifier returns a classifier posting to baseURL+path.
func NewHTTPClassifier(baseURL, path string, timeout time.Duration) *HTTPClassifier {
	if path == "" {
		path = "/predict"
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPClassifier{client: client, path: path}
}

// Score posts the window and returns the server's probability.
func (c *HTTPClassifier) Score(ctx context.Context, frames []frame.Frame) (float64, error) {
	if len(frames) == 0 {
		return 0, fmt.Errorf("empty window")
	}
	req := scoreRequest{Rows: frames[0].Rows, Cols: frames[0].Cols}
	for _, f := range frames {
		req.Timestamps = append(req.Timestamps, float64(f.Timestamp.UnixNano())/1e9)
		req.Frames = append(req.Frames, f.Cells)
	}

	var res scoreResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&res).
		Post(c.path)
	if err != nil {
		return 0, fmt.Errorf("post %s: %w", c.path, err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("post %s: status %d", c.path, resp.StatusCode())
	}
	if res.Probability == nil {
		return 0, fmt.Errorf("post %s: response has no probability", c.path)
	}
	return *res.Probability, nil
}
