// Package api is a client for the blueprint persistence endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/blueprints-rt/blueprints/internal/model"
)

const (
	defaultHttpTimeout        = 30 * time.Second
	defaultHttpConnectTimeout = 5 * time.Second
	defaultHttpTlsTimeout     = 5 * time.Second

	blueprintsPath = "/api/blueprints"
)

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// Error is a non-2xx response. Message is the server's error text.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Is maps 404 and 409 onto the model sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case model.ErrBlueprintNotFound:
		return e.Status == http.StatusNotFound
	case model.ErrBlueprintExists:
		return e.Status == http.StatusConflict
	}
	return false
}

type errorBody struct {
	Error string `json:"error"`
}

// Client calls the persistence API under a base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for baseURL, e.g. http://localhost:3001.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    defaultClient(),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func blueprintPath(author, name string) string {
	return blueprintsPath + "/" + url.PathEscape(author) + "/" + url.PathEscape(name)
}

// List returns the blueprints of author.
func (c *Client) List(ctx context.Context, author string) ([]model.Blueprint, error) {
	var blueprints []model.Blueprint
	path := blueprintsPath + "?author=" + url.QueryEscape(author)
	if err := c.do(ctx, http.MethodGet, path, nil, &blueprints); err != nil {
		return nil, err
	}
	for i := range blueprints {
		if blueprints[i].Author == "" {
			blueprints[i].Author = author
		}
		if blueprints[i].Points == nil {
			blueprints[i].Points = []model.Point{}
		}
	}
	return blueprints, nil
}

// Get returns one blueprint.
func (c *Client) Get(ctx context.Context, author, name string) (*model.Blueprint, error) {
	bp := &model.Blueprint{}
	if err := c.do(ctx, http.MethodGet, blueprintPath(author, name), nil, bp); err != nil {
		return nil, err
	}
	bp.Author, bp.Name = author, name
	if bp.Points == nil {
		bp.Points = []model.Point{}
	}
	return bp, nil
}

// Create creates an empty blueprint.
func (c *Client) Create(ctx context.Context, author, name string) error {
	body := model.Blueprint{Author: author, Name: name, Points: []model.Point{}}
	return c.do(ctx, http.MethodPost, blueprintsPath, body, nil)
}

// Save replaces the stored points of a blueprint.
func (c *Client) Save(ctx context.Context, author, name string, points []model.Point) error {
	if points == nil {
		points = []model.Point{}
	}
	body := struct {
		Points []model.Point `json:"points"`
	}{points}
	return c.do(ctx, http.MethodPut, blueprintPath(author, name), body, nil)
}

// Delete removes a blueprint.
func (c *Client) Delete(ctx context.Context, author, name string) error {
	return c.do(ctx, http.MethodDelete, blueprintPath(author, name), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	glog.V(2).Infof("[api] %s %s", method, path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			apiErr.Message = eb.Error
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Message returns the user-facing text of err.
func Message(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
