// Package openweathermap implements the provider adapter for the
// OpenWeatherMap API (current conditions plus OneCall hourly forecast).
//
// Precipitation convention: precip_mm samples carry the "rain.1h" one-hour
// accumulation; reports without a rain block emit no precip sample.
package openweathermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/provider/resilience"
)

const (
	// ProviderName identifies this weather provider.
	ProviderName = "openweathermap"

	// DefaultBaseURL is the OpenWeatherMap API base URL.
	DefaultBaseURL = "https://api.openweathermap.org/data/2.5"

	// DefaultOneCallURL is the OpenWeatherMap OneCall API 3.0 base URL.
	DefaultOneCallURL = "https://api.openweathermap.org/data/3.0/onecall"

	// DefaultMinInterval is the politeness floor for polling OWM; the free
	// tier budget is 60 calls/minute but weather refreshes every ~10 min.
	DefaultMinInterval = 10 * time.Minute
)

// ClientConfig holds configuration for the OpenWeatherMap client.
type ClientConfig struct {
	// APIKey is the OpenWeatherMap API key (required).
	APIKey string

	// BaseURL is the API base URL (optional, defaults to OpenWeatherMap API).
	BaseURL string

	// OneCallURL is the OneCall API URL (optional, defaults to OneCall 3.0).
	OneCallURL string

	// MinInterval overrides the declared minimum polling interval.
	MinInterval time.Duration

	// HTTPClient is the HTTP client to use (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an OpenWeatherMap adapter.
type Client struct {
	apiKey      string
	baseURL     string
	oneCallURL  string
	minInterval time.Duration
	httpClient  *resilience.Client
	logger      zerolog.Logger
}

// NewClient creates a new OpenWeatherMap adapter.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	oneCallURL := cfg.OneCallURL
	if oneCallURL == "" {
		oneCallURL = DefaultOneCallURL
	}

	minInterval := cfg.MinInterval
	if minInterval == 0 {
		minInterval = DefaultMinInterval
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.DefaultClientConfig(ProviderName))
	}

	return &Client{
		apiKey:      cfg.APIKey,
		baseURL:     baseURL,
		oneCallURL:  oneCallURL,
		minInterval: minInterval,
		httpClient:  httpClient,
		logger:      cfg.Logger,
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return ProviderName }

// MinInterval returns the minimum polling interval.
func (c *Client) MinInterval() time.Duration { return c.minInterval }

// Variables lists the canonical variables this adapter supplies.
func (c *Client) Variables() []obs.Variable {
	return []obs.Variable{
		obs.VarTempC, obs.VarTempMinC, obs.VarTempMaxC, obs.VarHumidityPct,
		obs.VarPressureHPa, obs.VarWindSpeedKmh, obs.VarWindDirDeg,
		obs.VarPrecipMm, obs.VarCloudPct, obs.VarUVIndex,
		obs.VarDewPointC, obs.VarVisibilityKm,
	}
}

// FetchCurrent fetches current conditions for a station.
func (c *Client) FetchCurrent(ctx context.Context, station obs.Station) ([]obs.Observation, error) {
	url := fmt.Sprintf("%s/weather?lat=%.6f&lon=%.6f&appid=%s&units=metric",
		c.baseURL, station.Latitude, station.Longitude, c.apiKey)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var owmResp currentWeatherResponse
	if err := json.Unmarshal(body, &owmResp); err != nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("unparseable response")
		return nil, provider.Schema(fmt.Errorf("decoding response: %w", err))
	}
	if owmResp.Dt == 0 {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("response missing dt field")
		return nil, provider.Schema(fmt.Errorf("missing dt field"))
	}

	return c.toObservations(station, &owmResp), nil
}

// FetchRange fetches hourly forecast observations covering [from, to].
// OneCall only serves the forward window; a range entirely in the past
// yields an empty result rather than an error.
func (c *Client) FetchRange(ctx context.Context, station obs.Station, from, to time.Time) ([]obs.Observation, error) {
	url := fmt.Sprintf("%s?lat=%.6f&lon=%.6f&appid=%s&units=metric&exclude=minutely,daily,alerts",
		c.oneCallURL, station.Latitude, station.Longitude, c.apiKey)

	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var owmResp oneCallResponse
	if err := json.Unmarshal(body, &owmResp); err != nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("unparseable response")
		return nil, provider.Schema(fmt.Errorf("decoding response: %w", err))
	}

	var out []obs.Observation
	for i := range owmResp.Hourly {
		h := &owmResp.Hourly[i]
		observedAt := time.Unix(h.Dt, 0).UTC()
		if observedAt.Before(from) || observedAt.After(to) {
			continue
		}
		out = append(out, c.hourlyToObservations(station, h, observedAt)...)
	}

	return out, nil
}

// toObservations converts an OpenWeatherMap current-conditions response to
// canonical observations.
func (c *Client) toObservations(station obs.Station, resp *currentWeatherResponse) []obs.Observation {
	observedAt := time.Unix(resp.Dt, 0).UTC()

	var out []obs.Observation
	emit := func(v obs.Variable, value float64) {
		out = append(out, obs.Observation{
			StationID:        station.ID,
			ObservedAt:       observedAt,
			Variable:         v,
			Value:            &value,
			SourceProviderID: ProviderName,
			Quality:          obs.QualityRaw,
		})
	}

	emit(obs.VarTempC, resp.Main.Temp)
	emit(obs.VarTempMinC, resp.Main.TempMin)
	emit(obs.VarTempMaxC, resp.Main.TempMax)
	emit(obs.VarHumidityPct, resp.Main.Humidity)
	emit(obs.VarPressureHPa, resp.Main.Pressure)
	emit(obs.VarWindSpeedKmh, msToKmh(resp.Wind.Speed))
	emit(obs.VarWindDirDeg, resp.Wind.Deg)
	emit(obs.VarCloudPct, resp.Clouds.All)
	emit(obs.VarVisibilityKm, metersToKm(float64(resp.Visibility)))

	if resp.Rain != nil {
		emit(obs.VarPrecipMm, resp.Rain.OneHour)
	}

	return out
}

func (c *Client) hourlyToObservations(station obs.Station, h *oneCallHourly, observedAt time.Time) []obs.Observation {
	var out []obs.Observation
	emit := func(v obs.Variable, value float64) {
		out = append(out, obs.Observation{
			StationID:        station.ID,
			ObservedAt:       observedAt,
			Variable:         v,
			Value:            &value,
			SourceProviderID: ProviderName,
			Quality:          obs.QualityRaw,
		})
	}

	emit(obs.VarTempC, h.Temp)
	emit(obs.VarHumidityPct, h.Humidity)
	emit(obs.VarPressureHPa, h.Pressure)
	emit(obs.VarWindSpeedKmh, msToKmh(h.WindSpeed))
	emit(obs.VarWindDirDeg, h.WindDeg)
	emit(obs.VarCloudPct, h.Clouds)
	emit(obs.VarUVIndex, h.UVI)
	emit(obs.VarDewPointC, h.DewPoint)
	emit(obs.VarVisibilityKm, metersToKm(float64(h.Visibility)))

	if h.Rain != nil {
		emit(obs.VarPrecipMm, h.Rain.OneHour)
	}

	return out
}

// get performs one HTTP attempt and maps transport and status failures to
// typed provider failures.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, provider.Permanent(0, fmt.Errorf("creating request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		switch {
		case resp != nil && resp.StatusCode >= 500:
			resp.Body.Close()
			return nil, provider.Transient(err)
		case errors.Is(err, resilience.ErrQuotaExhausted):
			return nil, provider.Quota(time.Minute, err)
		default:
			return nil, provider.Transient(fmt.Errorf("executing request: %w", err))
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, provider.Quota(retryAfter(resp), fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode >= 500:
			return nil, provider.Transient(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return nil, provider.Permanent(resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("reading response: %w", err))
	}

	return body, nil
}

// retryAfter reads the Retry-After header, defaulting to one minute.
func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func msToKmh(ms float64) float64   { return ms * 3.6 }
func metersToKm(m float64) float64 { return m / 1000.0 }

// OpenWeatherMap API response structures.

type rainBlock struct {
	OneHour float64 `json:"1h"`
}

type currentWeatherResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main struct {
		Temp     float64 `json:"temp"`
		TempMin  float64 `json:"temp_min"`
		TempMax  float64 `json:"temp_max"`
		Pressure float64 `json:"pressure"`
		Humidity float64 `json:"humidity"`
	} `json:"main"`
	Visibility int `json:"visibility"`
	Wind       struct {
		Speed float64 `json:"speed"`
		Deg   float64 `json:"deg"`
		Gust  float64 `json:"gust"`
	} `json:"wind"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Rain *rainBlock `json:"rain"`
	Dt   int64      `json:"dt"`
	Name string     `json:"name"`
}

type oneCallHourly struct {
	Dt         int64      `json:"dt"`
	Temp       float64    `json:"temp"`
	DewPoint   float64    `json:"dew_point"`
	Pressure   float64    `json:"pressure"`
	Humidity   float64    `json:"humidity"`
	UVI        float64    `json:"uvi"`
	Clouds     float64    `json:"clouds"`
	Visibility int        `json:"visibility"`
	WindSpeed  float64    `json:"wind_speed"`
	WindDeg    float64    `json:"wind_deg"`
	Rain       *rainBlock `json:"rain"`
}

type oneCallResponse struct {
	Lat    float64         `json:"lat"`
	Lon    float64         `json:"lon"`
	Hourly []oneCallHourly `json:"hourly"`
}
