package beiwe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// apiTimeLayout is the timestamp format the data-access API expects.
const apiTimeLayout = "2006-01-02T15:04:05"

// DataRequest asks for one subject's device data in a time window.
type DataRequest struct {
	StudyID   string
	PatientID string
	TimeStart time.Time
	TimeEnd   time.Time
}

// Client is the subset of the Beiwe data-access API the source needs.
type Client interface {
	// GetData returns a zip stream with the requested device data
	GetData(ctx context.Context, req DataRequest) (io.ReadCloser, error)
}

// httpClient talks to a Beiwe server over its data-access API.
type httpClient struct {
	baseURL   string
	accessKey string
	secretKey string
	client    *http.Client
}

// NewClient creates a Client for the given Beiwe server.
func NewClient(baseURL, accessKey, secretKey string) Client {
	return &httpClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *httpClient) GetData(ctx context.Context, req DataRequest) (io.ReadCloser, error) {
	form := url.Values{}
	form.Set("access_key", c.accessKey)
	form.Set("secret_key", c.secretKey)
	form.Set("study_id", req.StudyID)
	form.Set("patient_ids", fmt.Sprintf("[%q]", req.PatientID))
	if !req.TimeStart.IsZero() {
		form.Set("time_start", req.TimeStart.UTC().Format(apiTimeLayout))
	}
	if !req.TimeEnd.IsZero() {
		form.Set("time_end", req.TimeEnd.UTC().Format(apiTimeLayout))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/get-data/v1", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("beiwe request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("beiwe server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return resp.Body, nil
}
