package reroutelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Rerouteline HTTP API client scoped to one warehouse node.
type Client struct {
	BaseURL     string
	Warehouse   string
	// As is the warehouse the caller acts as when no token is set; defaults to Warehouse.
	As          string
	BearerToken string
	// BasePath is the API prefix the server mounts its routes under.
	BasePath    string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// DefaultBasePath matches the server's default API prefix.
const DefaultBasePath = "/v0"

// New creates a client with sane defaults.
func New(baseURL, warehouse string) *Client {
	return &Client{
		BaseURL:   baseURL,
		Warehouse: warehouse,
		BasePath:  DefaultBasePath,
		Timeout:   10 * time.Second,
	}
}

// Reroute mirrors the API reroute model.
type Reroute struct {
	ID               string     `json:"id"`
	ProductID        string     `json:"product_id"`
	ProductName      string     `json:"product_name"`
	From             string     `json:"from"`
	To               string     `json:"to"`
	Quantity         int        `json:"quantity"`
	Reason           string     `json:"reason,omitempty"`
	Status           string     `json:"status"`
	Progress         int        `json:"progress"`
	RequestedAt      time.Time  `json:"requested_at"`
	ApprovedAt       *time.Time `json:"approved_at,omitempty"`
	TransitStartedAt *time.Time `json:"transit_started_at,omitempty"`
	DeliveredAt      *time.Time `json:"delivered_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Notification is one entry in a warehouse inbox.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	RerouteID string    `json:"reroute_id"`
	Target    string    `json:"target"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// Inbox is the notifications listing with its unread count.
type Inbox struct {
	Items  []Notification `json:"items"`
	Unread int            `json:"unread"`
}

// CreateReroute are the fields of a reroute proposal.
type CreateReroute struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	To          string `json:"to"`
	Quantity    int    `json:"quantity"`
	Reason      string `json:"reason,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateReroute proposes a reroute from the client's warehouse.
func (c *Client) CreateReroute(ctx context.Context, in CreateReroute) (Reroute, error) {
	var resp Reroute
	err := c.do(ctx, http.MethodPost, c.warehousePath("reroutes"), in, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, id string) (Reroute, error) {
	return c.action(ctx, id, "approve")
}

func (c *Client) Reject(ctx context.Context, id string) (Reroute, error) {
	return c.action(ctx, id, "reject")
}

func (c *Client) StartTransit(ctx context.Context, id string) (Reroute, error) {
	return c.action(ctx, id, "start-transit")
}

func (c *Client) ConfirmDelivery(ctx context.Context, id string) (Reroute, error) {
	return c.action(ctx, id, "confirm-delivery")
}

func (c *Client) action(ctx context.Context, id, verb string) (Reroute, error) {
	var resp Reroute
	endpoint := c.warehousePath(fmt.Sprintf("reroutes/%s/%s", url.PathEscape(id), verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ListReroutes lists reroutes involving warehouse, or the client's own when empty.
func (c *Client) ListReroutes(ctx context.Context, warehouse string) ([]Reroute, error) {
	endpoint := c.warehousePath("reroutes")
	if warehouse != "" {
		endpoint += "?warehouse=" + url.QueryEscape(warehouse)
	}
	var resp struct {
		Items []Reroute `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) GetReroute(ctx context.Context, id string) (Reroute, error) {
	var resp Reroute
	err := c.do(ctx, http.MethodGet, c.warehousePath("reroutes/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Notifications returns the inbox, newest first.
func (c *Client) Notifications(ctx context.Context) (Inbox, error) {
	var resp Inbox
	err := c.do(ctx, http.MethodGet, c.warehousePath("notifications"), nil, &resp)
	return resp, err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		Unread int `json:"unread"`
	}
	err := c.do(ctx, http.MethodGet, c.warehousePath("notifications/unread-count"), nil, &resp)
	return resp.Unread, err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	endpoint := c.warehousePath(fmt.Sprintf("notifications/%s/read", url.PathEscape(id)))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// MarkAllRead marks the whole inbox read and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var resp struct {
		Updated int64 `json:"updated"`
	}
	err := c.do(ctx, http.MethodPost, c.warehousePath("notifications/read-all"), nil, &resp)
	return resp.Updated, err
}

// GetReplica reads the node's stored copy of a reroute.
func (c *Client) GetReplica(ctx context.Context, id string) (Reroute, error) {
	var resp Reroute
	err := c.do(ctx, http.MethodGet, c.warehousePath("replica/reroutes/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// PutReplica offers a copy of r to the node. Applied is false when the node's copy is already as far along.
func (c *Client) PutReplica(ctx context.Context, r Reroute) (bool, error) {
	var resp struct {
		Applied bool `json:"applied"`
	}
	endpoint := c.warehousePath("replica/reroutes/" + url.PathEscape(r.ID))
	err := c.do(ctx, http.MethodPut, endpoint, r, &resp)
	return resp.Applied, err
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.apiPath("health"), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.actingAs() != "":
		req.Header.Set("X-Warehouse-Id", c.actingAs())
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) warehousePath(p string) string {
	warehouse := url.PathEscape(c.Warehouse)
	return c.apiPath(fmt.Sprintf("warehouses/%s/%s", warehouse, strings.TrimLeft(p, "/")))
}

func (c *Client) apiPath(p string) string {
	prefix := strings.Trim(c.BasePath, "/")
	if c.BasePath == "" {
		prefix = strings.Trim(DefaultBasePath, "/")
	}
	if prefix == "" {
		return p
	}
	return prefix + "/" + p
}

func (c *Client) actingAs() string {
	if c.As != "" {
		return c.As
	}
	return c.Warehouse
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
