package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"voicechat/internal/core/domain"
	apperrors "voicechat/pkg/errors"
)

// Directory reads the server's room directory over REST.
type Directory struct {
	baseURL    string
	httpClient *http.Client
}

// NewDirectory accepts either the http base URL or the signaling ws URL.
func NewDirectory(serverURL string) (*Directory, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/ws"), "/")
	u.RawQuery = ""

	return &Directory{
		baseURL:    u.String(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type RoomDetail struct {
	Name     domain.RoomName   `json:"name"`
	Members  []string          `json:"members"`
	Count    int               `json:"count"`
	Presence []domain.Presence `json:"presence"`
}

func (d *Directory) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	var resp struct {
		Rooms []domain.RoomInfo `json:"rooms"`
	}
	if err := d.get(ctx, "/api/rooms", &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (d *Directory) Room(ctx context.Context, name domain.RoomName) (RoomDetail, error) {
	var resp RoomDetail
	err := d.get(ctx, "/api/rooms/"+url.PathEscape(string(name)), &resp)
	return resp, err
}

func (d *Directory) Users(ctx context.Context) ([]string, error) {
	var resp struct {
		Users []string `json:"users"`
	}
	if err := d.get(ctx, "/api/users", &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (d *Directory) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error   apperrors.ErrorCode `json:"error"`
			Message string              `json:"message"`
		}
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
			return apperrors.FromCode(apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: malformed response: %w", path, err)
	}
	return nil
}
