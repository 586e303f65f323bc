// Package cluster reads version and health state from the vastor
// control-plane REST API and the Kubernetes API. All queries are
// read-only; callers own any decision making.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// volumePageSize is the number of volumes requested per paginated call.
const volumePageSize = 200

// RESTClient is a thin typed client for the vastor control-plane REST API.
type RESTClient struct {
	base *url.URL
	http *http.Client
}

// NewRESTClient parses endpoint and returns a client for it.
func NewRESTClient(endpoint string) (*RESTClient, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REST endpoint %q: %w", endpoint, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("REST endpoint %q must include scheme and host", endpoint)
	}
	return &RESTClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Version returns the deployed control-plane version string.
func (c *RESTClient) Version(ctx context.Context) (string, error) {
	var info struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/v0/info", nil, &info); err != nil {
		return "", fmt.Errorf("failed to read control-plane version: %w", err)
	}
	if info.Version == "" {
		return "", fmt.Errorf("control-plane info response carries no version")
	}
	return info.Version, nil
}

// Nodes lists all storage nodes.
func (c *RESTClient) Nodes(ctx context.Context) ([]Node, error) {
	var nodes []Node
	if err := c.get(ctx, "/v0/nodes", nil, &nodes); err != nil {
		return nil, fmt.Errorf("failed to list storage nodes: %w", err)
	}
	return nodes, nil
}

// Node returns a single storage node by name.
func (c *RESTClient) Node(ctx context.Context, name string) (*Node, error) {
	var node Node
	if err := c.get(ctx, "/v0/nodes/"+url.PathEscape(name), nil, &node); err != nil {
		return nil, fmt.Errorf("failed to get storage node %s: %w", name, err)
	}
	return &node, nil
}

// Volumes lists all volumes, following pagination to the last page.
func (c *RESTClient) Volumes(ctx context.Context) ([]Volume, error) {
	var all []Volume
	token := 0
	for {
		query := url.Values{
			"max_entries":    {strconv.Itoa(volumePageSize)},
			"starting_token": {strconv.Itoa(token)},
		}
		var page VolumePage
		if err := c.get(ctx, "/v0/volumes", query, &page); err != nil {
			return nil, fmt.Errorf("failed to list volumes: %w", err)
		}
		all = append(all, page.Entries...)
		if page.NextToken == nil {
			return all, nil
		}
		token = *page.NextToken
	}
}

// DrainNode asks the control plane to drain a storage node. The label
// identifies who requested the drain so it can be removed later.
func (c *RESTClient) DrainNode(ctx context.Context, name, label string) error {
	path := fmt.Sprintf("/v0/nodes/%s/drain/%s", url.PathEscape(name), url.PathEscape(label))
	if err := c.do(ctx, http.MethodPut, path, nil); err != nil {
		return fmt.Errorf("failed to drain storage node %s: %w", name, err)
	}
	return nil
}

// UncordonNode removes the named cordon label from a storage node.
func (c *RESTClient) UncordonNode(ctx context.Context, name, label string) error {
	path := fmt.Sprintf("/v0/nodes/%s/cordon/%s", url.PathEscape(name), url.PathEscape(label))
	if err := c.do(ctx, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("failed to uncordon storage node %s: %w", name, err)
	}
	return nil
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out any) error {
	ref := &url.URL{Path: path}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *RESTClient) do(ctx context.Context, method, path string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.ResolveReference(&url.URL{Path: path}).String(), body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, string(msg))
	}
	return nil
}
