package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/cache"
)

const defaultUserAgent = "revanalyzer/1.0"

// jsonGetter performs cached GET requests returning JSON bodies.
type jsonGetter struct {
	client    *http.Client
	cache     ResponseCache
	userAgent string
	logger    zerolog.Logger
	service   string
}

func (g *jsonGetter) get(ctx context.Context, endpoint string, headers map[string]string, out any) error {
	key := cache.Key(http.MethodGet, endpoint)
	if g.cache != nil {
		if body, ok, err := g.cache.Get(ctx, key); err != nil {
			g.logger.Warn().Err(err).Msg("response cache read failed")
		} else if ok {
			if err := json.Unmarshal(body, out); err == nil {
				g.logger.Debug().Str("url", endpoint).Msg("served from cache")
				return nil
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(g.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(g.service, resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s response: %w", g.service, err)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, key, payload); err != nil {
			g.logger.Warn().Err(err).Msg("response cache write failed")
		}
	}
	return nil
}

type errorResponse struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Status  *struct {
		ErrorMessage string `json:"error_message"`
	} `json:"status"`
}

func parseHTTPError(service string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Status != nil && apiErr.Status.ErrorMessage != "" {
			return fmt.Errorf("%s api error (%d): %s", service, status, apiErr.Status.ErrorMessage)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", service, status, apiErr.Message)
		}
		if len(apiErr.Error) > 0 {
			var msg string
			if json.Unmarshal(apiErr.Error, &msg) == nil && msg != "" {
				return fmt.Errorf("%s api error (%d): %s", service, status, msg)
			}
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%s api error (%d): %s", service, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%s api error (%d)", service, status)
}
