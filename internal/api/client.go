package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single inspection request.
const DefaultRequestTimeout = 10 * time.Second

// maxBodyBytes caps how much of an inspection response is read. A busy
// agent lists a few hundred tunnels in well under this.
const maxBodyBytes = 8 << 20

// Client is a thin HTTP client for a tunneling agent's inspection API.
//
// Each Client owns its transport; call Close when done so idle connections
// are released.
type Client struct {
	http      *http.Client
	transport *http.Transport
}

// NewClient creates a client whose requests time out after timeout
// (DefaultRequestTimeout when <= 0).
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		transport: transport,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Close releases idle connections held by the client.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// Tunnels fetches the tunnel list from one inspection URL
// (e.g. http://localhost:4040/api/tunnels). It makes exactly one request.
// Failures are always *InspectionError. An empty body, or JSON without a
// tunnels array, is not a failure and yields no records.
func (c *Client) Tunnels(ctx context.Context, inspectionURL string) ([]TunnelRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inspectionURL, nil)
	if err != nil {
		return nil, &InspectionError{Kind: KindUnreachable, URL: inspectionURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &InspectionError{Kind: KindUnreachable, URL: inspectionURL, Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &InspectionError{Kind: KindUnreachable, URL: inspectionURL, Err: err}
	}
	oversized := len(body) > maxBodyBytes
	if oversized {
		body = body[:maxBodyBytes]
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		ierr := &InspectionError{Kind: KindUnavailable, URL: inspectionURL, StatusCode: res.StatusCode}
		if msg != "" {
			ierr.Err = fmt.Errorf("request failed: %s: %s", res.Status, msg)
		} else {
			ierr.Err = fmt.Errorf("request failed: %s", res.Status)
		}
		return nil, ierr
	}

	if oversized {
		return nil, &InspectionError{
			Kind: KindOversized,
			URL:  inspectionURL,
			Err:  fmt.Errorf("response body exceeds %d bytes", maxBodyBytes),
		}
	}

	records, err := ParseTunnels(body)
	if err != nil {
		return nil, &InspectionError{Kind: KindMalformed, URL: inspectionURL, Err: err}
	}
	return records, nil
}

// ParseTunnels extracts public URLs from an inspection response body.
// Only a syntax error is reported; any other shape yields no records.
func ParseTunnels(body []byte) ([]TunnelRecord, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	var syntax any
	if err := json.Unmarshal(body, &syntax); err != nil {
		return nil, err
	}

	var doc tunnelsResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		// Valid JSON, but not an object carrying a tunnels array.
		return nil, nil
	}

	records := make([]TunnelRecord, 0, len(doc.Tunnels))
	for _, raw := range doc.Tunnels {
		var entry map[string]any
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		publicURL, _ := entry["public_url"].(string)
		if strings.TrimSpace(publicURL) == "" {
			continue
		}
		records = append(records, TunnelRecord{PublicURL: publicURL})
	}
	return records, nil
}
