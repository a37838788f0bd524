// Package auth obtains room tokens from the configured endpoint.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	"github.com/collabkit/roomkit/internal/domain/model"
	"github.com/collabkit/roomkit/internal/room"
)

var tracer = otel.Tracer("github.com/collabkit/roomkit/infra/auth")

// Mode selects how tokens are obtained.
type Mode string

const (
	// ModePublic posts {room, publicApiKey} to the endpoint.
	ModePublic Mode = "public"
	// ModePrivate posts {room} with cookies included.
	ModePrivate Mode = "private"
	// ModeCustom invokes the host callback directly.
	ModeCustom Mode = "custom"
)

// Config selects the endpoint and mode.
type Config struct {
	Mode         Mode
	Endpoint     string
	PublicAPIKey string

	// Callback yields a raw token in custom mode.
	Callback func(ctx context.Context, roomID string) (string, error)
}

// Interface guard
var _ room.TokenProvider = (*Client)(nil)

// Client fetches and caches parsed tokens. A circuit breaker keeps a
// misbehaving endpoint from being hammered by the reconnect loop; expired
// cache entries are dropped on read.
type Client struct {
	logger  *slog.Logger
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	cache   *lru.Cache[string, *model.Token]
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *model.Token](128)
	if err != nil {
		return nil, err
	}
	return &Client{
		logger: logger,
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second, Jar: jar},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "room-auth",
			Timeout: 30 * time.Second,
		}),
		cache: cache,
	}, nil
}

// Authorize returns a parsed token for the room, serving unexpired cached
// tokens without touching the endpoint.
func (c *Client) Authorize(ctx context.Context, roomID string) (*model.Token, error) {
	if tok, ok := c.cache.Get(roomID); ok {
		if !tok.Expired(time.Now()) {
			return tok, nil
		}
		c.cache.Remove(roomID)
	}

	ctx, span := tracer.Start(ctx, "auth.authorize")
	defer span.End()

	res, err := c.breaker.Execute(func() (any, error) {
		return c.fetchToken(ctx, roomID)
	})
	if err != nil {
		return nil, err
	}
	raw := res.(string)

	tok, err := model.ParseToken(raw)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	c.cache.Add(roomID, tok)
	return tok, nil
}

func (c *Client) fetchToken(ctx context.Context, roomID string) (string, error) {
	switch c.cfg.Mode {
	case ModeCustom:
		if c.cfg.Callback == nil {
			return "", fmt.Errorf("auth: custom mode without callback")
		}
		return c.cfg.Callback(ctx, roomID)
	case ModePublic:
		return c.postToken(ctx, map[string]string{
			"room":         roomID,
			"publicApiKey": c.cfg.PublicAPIKey,
		})
	case ModePrivate:
		return c.postToken(ctx, map[string]string{"room": roomID})
	}
	return "", fmt.Errorf("auth: unknown mode %q", c.cfg.Mode)
}

func (c *Client) postToken(ctx context.Context, body map[string]string) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("auth: endpoint returned %d", resp.StatusCode)
	}
	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("auth: malformed response: %w", err)
	}
	if parsed.Token == "" {
		return "", fmt.Errorf("auth: response missing token")
	}
	return parsed.Token, nil
}
