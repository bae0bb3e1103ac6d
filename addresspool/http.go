package addresspool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServerListPath is appended to the fallback base URL.
const ServerListPath = "/api/servers"

// HTTPDiscoverer fetches the endpoint list from a REST URL. It is the fallback used when
// dynamic discovery is unavailable.
type HTTPDiscoverer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPDiscoverer normalises baseURL ("http://drm.example.com///" → "http://drm.example.com").
// A nil client gets a 5s timeout client.
func NewHTTPDiscoverer(baseURL string, client *http.Client) *HTTPDiscoverer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDiscoverer{baseURL: NormalizeURL(baseURL), client: client}
}

// NormalizeURL strips trailing slashes.
func NormalizeURL(u string) string {
	return strings.TrimRight(strings.TrimSpace(u), "/")
}

// URL returns the list URL.
func (d *HTTPDiscoverer) URL() string {
	return d.baseURL + ServerListPath
}

func (d *HTTPDiscoverer) Discover(ctx context.Context) ([]Endpoint, error) {
	if d.baseURL == "" {
		return nil, fmt.Errorf("addresspool: no fallback url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("addresspool: GET %s: %s", d.URL(), resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return parseEndpointList(body)
}

// parseEndpointList accepts a JSON array of "host:port" strings or a newline/comma
// separated list.
func parseEndpointList(body []byte) ([]Endpoint, error) {
	text := strings.TrimSpace(string(body))
	var list []string
	if strings.HasPrefix(text, "[") {
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("addresspool: decode server list: %w", err)
		}
	} else {
		list = strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
		})
	}
	endpoints, err := ParseEndpoints(list)
	if err != nil {
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("addresspool: server list is empty")
	}
	return endpoints, nil
}
