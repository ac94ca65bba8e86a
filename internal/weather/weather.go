// Package weather fetches forecast and warning texts for a location.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "wxbot/pkg/logx"
)

// Provider is the upstream data collaborator consumed by job payloads.
//
// Warning returns an empty string when no warning is in effect.
type Provider interface {
	Forecast(ctx context.Context, location, apiKey string) (string, error)
	Warning(ctx context.Context, location, apiKey string) (string, error)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
}

const defaultBaseURL = "https://devapi.qweather.com"

// Client is an HTTP Provider against a QWeather-compatible API.
type Client struct {
	base string
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}
}

type forecastResponse struct {
	Code  string `json:"code"`
	Daily []struct {
		FxDate  string `json:"fxDate"`
		TempMin string `json:"tempMin"`
		TempMax string `json:"tempMax"`
		TextDay string `json:"textDay"`
	} `json:"daily"`
}

type warningResponse struct {
	Code    string `json:"code"`
	Warning []struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	} `json:"warning"`
}

func (c *Client) Forecast(ctx context.Context, location, apiKey string) (string, error) {
	var resp forecastResponse
	if err := c.get(ctx, "/v7/weather/3d", location, apiKey, &resp); err != nil {
		return "", err
	}
	if resp.Code != "200" {
		return "", fmt.Errorf("forecast for %s: upstream code %s", location, resp.Code)
	}
	if len(resp.Daily) == 0 {
		return "", fmt.Errorf("forecast for %s: empty daily data", location)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", location)
	for _, d := range resp.Daily {
		fmt.Fprintf(&b, "%s: %s, %s~%s°C\n", d.FxDate, d.TextDay, d.TempMin, d.TempMax)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Client) Warning(ctx context.Context, location, apiKey string) (string, error) {
	var resp warningResponse
	if err := c.get(ctx, "/v7/warning/now", location, apiKey, &resp); err != nil {
		return "", err
	}
	if resp.Code != "200" {
		return "", fmt.Errorf("warning for %s: upstream code %s", location, resp.Code)
	}
	if len(resp.Warning) == 0 {
		// No warning in effect; not an error.
		return "", nil
	}

	var b strings.Builder
	for _, w := range resp.Warning {
		fmt.Fprintf(&b, "⚠️ %s\n%s\n", w.Title, w.Text)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (c *Client) get(ctx context.Context, path, location, apiKey string, out any) error {
	q := url.Values{}
	q.Set("location", location)
	q.Set("key", apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("weather api %s: http %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
