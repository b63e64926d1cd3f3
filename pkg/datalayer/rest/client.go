// Package rest implements the data layer against the venue backend REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

type (
	Option func(*Client)
	Client struct {
		baseURL string
		token   string
		client  *http.Client
		l       *log.Logger
	}
	// APIError is returned for non-2xx responses not mapped to a sentinel
	APIError struct {
		StatusCode int
		Body       string
	}
)

var _ datalayer.DataLayer = (*Client)(nil)

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

func WithToken(arg string) Option {
	return func(c *Client) {
		c.token = arg
	}
}

func WithHTTPClient(arg *http.Client) Option {
	return func(c *Client) {
		c.client = arg
	}
}

func WithTimeout(arg time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = arg
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(c *Client) {
		c.l = arg
	}
}

func New(baseURL string, opts ...Option) *Client {
	ret := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		l: log.Default().Named("datalayer.rest"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

type (
	assignRequest struct {
		CartID int `json:"cartId"`
	}
	raceRequest struct {
		UserID    int  `json:"userId"`
		GroupID   int  `json:"groupId"`
		MappingID *int `json:"mappingId,omitempty"`
	}
	startResponse struct {
		ExpectedEndTime time.Time `json:"expectedEndTime"`
	}
)

func (c *Client) AssignCart(ctx context.Context, mappingID, cartID int) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/group-users/%d/cart", mappingID),
		assignRequest{CartID: cartID}, nil)
}

func (c *Client) UnassignCart(ctx context.Context, mappingID int) error {
	return c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/api/group-users/%d/cart", mappingID), nil, nil)
}

func (c *Client) ForceUnassignCart(ctx context.Context, cartID int) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/carts/%d/force-unassign", cartID), nil, nil)
}

//nolint:whitespace // editor/linter issue
func (c *Client) StartRace(
	ctx context.Context,
	userID, groupID int,
	mappingID *int,
) (*datalayer.StartResult, error) {
	var resp startResponse
	err := c.do(ctx, http.MethodPost, "/api/races/start",
		raceRequest{UserID: userID, GroupID: groupID, MappingID: mappingID}, &resp)
	if err != nil {
		return nil, err
	}
	return &datalayer.StartResult{ExpectedEndTime: resp.ExpectedEndTime}, nil
}

func (c *Client) EndRace(ctx context.Context, userID, groupID int, mappingID *int) error {
	return c.do(ctx, http.MethodPost, "/api/races/end",
		raceRequest{UserID: userID, GroupID: groupID, MappingID: mappingID}, nil)
}

func (c *Client) RecordLap(ctx context.Context, groupID, userID int, lap model.Lap) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/groups/%d/users/%d/laps", groupID, userID), lap, nil)
}

//nolint:whitespace // editor/linter issue
func (c *Client) GetLiveLeaderboard(
	ctx context.Context,
	sessionID int,
) (*model.LiveLeaderboard, error) {
	var ret model.LiveLeaderboard
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/sessions/%d/leaderboard", sessionID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

//nolint:whitespace // editor/linter issue
func (c *Client) GetActiveGroupUsers(ctx context.Context) (
	[]*model.GroupUserMapping, error,
) {
	var ret []*model.GroupUserMapping
	if err := c.do(ctx, http.MethodGet, "/api/group-users/active", nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) GetCarts(ctx context.Context) ([]*model.Cart, error) {
	var ret []*model.Cart
	if err := c.do(ctx, http.MethodGet, "/api/carts", nil, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (c *Client) GetSession(ctx context.Context, sessionID int) (*model.Session, error) {
	var ret model.Session
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/sessions/%d", sessionID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) GetGroup(ctx context.Context, groupID int) (*model.Group, error) {
	var ret model.Group
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/groups/%d", groupID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (c *Client) GetUser(ctx context.Context, userID int) (*model.User, error) {
	var ret model.User
	if err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/users/%d", userID), nil, &ret); err != nil {
		return nil, err
	}
	return &ret, nil
}

//nolint:whitespace // editor/linter issue
func (c *Client) do(
	ctx context.Context,
	method, endpoint string,
	body, target any,
) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	c.l.Debug("backend request",
		log.String("method", method),
		log.String("endpoint", endpoint),
		log.Int("status", resp.StatusCode),
		log.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(code int, body string) error {
	apiErr := &APIError{StatusCode: code, Body: body}
	switch code {
	case http.StatusConflict:
		return fmt.Errorf("%w: %w", datalayer.ErrCartUnavailable, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", datalayer.ErrNotFound, apiErr)
	default:
		return apiErr
	}
}
