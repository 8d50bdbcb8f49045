// Package weather fetches current conditions from the Seniverse API. The
// result only flavors greeting prompts, so every failure degrades to "no
// weather context" rather than blocking a send.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/companionkit/engage/internal/apperr"
	"github.com/companionkit/engage/internal/retry"
)

const seniverseNowURL = "https://api.seniverse.com/v3/weather/now.json"

// Report is the condensed current-weather result.
type Report struct {
	Location    string
	Text        string
	Temperature string
}

// Describe renders the report as a prompt-context fragment.
func (r Report) Describe() string {
	return fmt.Sprintf("The weather in %s right now: %s, %s degrees C.", r.Location, r.Text, r.Temperature)
}

// Client queries Seniverse for current conditions.
type Client struct {
	key      string
	location string
	baseURL  string
	http     *http.Client
	retry    retry.Config
	logger   zerolog.Logger
}

// NewClient builds a weather client for a fixed location.
func NewClient(key, location string, logger zerolog.Logger) *Client {
	return &Client{
		key:      key,
		location: location,
		baseURL:  seniverseNowURL,
		http:     &http.Client{Timeout: 10 * time.Second},
		retry:    retry.Config{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Jitter: true},
		logger:   logger.With().Str("component", "weather").Logger(),
	}
}

type seniverseResponse struct {
	Results []struct {
		Location struct {
			Name string `json:"name"`
		} `json:"location"`
		Now struct {
			Text        string `json:"text"`
			Temperature string `json:"temperature"`
		} `json:"now"`
	} `json:"results"`
}

// Now returns the current conditions for the configured location.
func (c *Client) Now(ctx context.Context) (Report, error) {
	var report Report
	err := retry.Do(ctx, c.retry, func() error {
		q := url.Values{}
		q.Set("key", c.key)
		q.Set("location", c.location)
		q.Set("language", "en")
		q.Set("unit", "c")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("seniverse http: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return apperr.NewAPIError("seniverse", resp.StatusCode, string(raw))
		}

		var sr seniverseResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
		if len(sr.Results) == 0 {
			return fmt.Errorf("seniverse: empty results")
		}
		report = Report{
			Location:    sr.Results[0].Location.Name,
			Text:        sr.Results[0].Now.Text,
			Temperature: sr.Results[0].Now.Temperature,
		}
		return nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("location", c.location).Msg("weather lookup failed")
		return Report{}, err
	}
	return report, nil
}
