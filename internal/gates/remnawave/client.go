package remnawave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound - пользователь не найден в панели
var ErrNotFound = errors.New("remnawave: user not found")

// Статусы пользователя в панели
const (
	StatusActive   = "ACTIVE"
	StatusDisabled = "DISABLED"
)

type Config struct {
	BaseURL string
	APIKey  string

	// Таймаут одного запроса к панели; каждый вызов ограничен им
	// независимо от родительского контекста
	Timeout time.Duration
}

// PanelUser - состояние пользователя на стороне панели
type PanelUser struct {
	UUID            string     `json:"uuid"`
	Status          string     `json:"status"`
	ExpireAt        *time.Time `json:"expireAt"`
	HWIDDeviceLimit int        `json:"hwidDeviceLimit"`
}

type UpdateUserRequest struct {
	UUID     string     `json:"uuid"`
	ExpireAt *time.Time `json:"expireAt,omitempty"`
	Status   string     `json:"status,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remnawave: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// GetUserByUUID возвращает запись пользователя из панели
func (c *Client) GetUserByUUID(ctx context.Context, userUUID string) (*PanelUser, error) {
	if _, err := uuid.Parse(userUUID); err != nil {
		return nil, fmt.Errorf("remnawave: bad user uuid %q: %w", userUUID, err)
	}

	var resp struct {
		Response PanelUser `json:"response"`
	}
	err := c.do(ctx, http.MethodGet, "/api/users/"+userUUID, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Response, nil
}

// UpdateUser меняет срок действия и/или статус пользователя в панели
func (c *Client) UpdateUser(ctx context.Context, req UpdateUserRequest) error {
	if _, err := uuid.Parse(req.UUID); err != nil {
		return fmt.Errorf("remnawave: bad user uuid %q: %w", req.UUID, err)
	}
	return c.do(ctx, http.MethodPatch, "/api/users", req, nil)
}

// GetDeviceCount возвращает число подключенных устройств пользователя
func (c *Client) GetDeviceCount(ctx context.Context, userUUID string) (int, error) {
	if _, err := uuid.Parse(userUUID); err != nil {
		return 0, fmt.Errorf("remnawave: bad user uuid %q: %w", userUUID, err)
	}

	var resp struct {
		Response struct {
			Total int `json:"total"`
		} `json:"response"`
	}
	err := c.do(ctx, http.MethodGet, "/api/hwid/devices/"+userUUID, nil, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Response.Total, nil
}

// Ping проверяет доступность панели
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/system/stats", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remnawave: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("remnawave: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remnawave: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("remnawave: %s %s: status %d: %s", method, path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("remnawave: decode response: %w", err)
		}
	}
	return nil
}
