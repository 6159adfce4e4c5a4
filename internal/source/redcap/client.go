package redcap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the subset of the REDCap API the source needs.
type Client interface {
	// ExportRecords returns all records for one record id
	ExportRecords(ctx context.Context, recordID string) ([]map[string]string, error)

	// ExportIdentifierFields returns field names flagged as identifiers
	// in the project's data dictionary
	ExportIdentifierFields(ctx context.Context) ([]string, error)
}

// httpClient talks to a REDCap server API endpoint with token auth.
type httpClient struct {
	apiURL string
	token  string
	client *http.Client
}

// NewClient creates a Client for the given REDCap API endpoint.
func NewClient(apiURL, token string) Client {
	return &httpClient{
		apiURL: apiURL,
		token:  token,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *httpClient) ExportRecords(ctx context.Context, recordID string) ([]map[string]string, error) {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", "record")
	form.Set("format", "json")
	form.Set("returnFormat", "json")
	form.Set("records", recordID)

	var records []map[string]string
	if err := c.post(ctx, form, &records); err != nil {
		return nil, fmt.Errorf("record export for %s: %w", recordID, err)
	}
	return records, nil
}

func (c *httpClient) ExportIdentifierFields(ctx context.Context) ([]string, error) {
	form := url.Values{}
	form.Set("token", c.token)
	form.Set("content", "metadata")
	form.Set("format", "json")
	form.Set("returnFormat", "json")

	var dictionary []struct {
		FieldName  string `json:"field_name"`
		Identifier string `json:"identifier"`
	}
	if err := c.post(ctx, form, &dictionary); err != nil {
		return nil, fmt.Errorf("data dictionary export: %w", err)
	}

	var fields []string
	for _, entry := range dictionary {
		if strings.EqualFold(entry.Identifier, "y") {
			fields = append(fields, entry.FieldName)
		}
	}
	return fields, nil
}

func (c *httpClient) post(ctx context.Context, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("redcap request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("redcap server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
