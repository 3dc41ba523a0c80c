// Package openmeteo implements the provider adapter for the Open-Meteo
// forecast API. Open-Meteo needs no API key and serves both recent history
// (past_days) and up to sixteen days of forecast from the same endpoint.
//
// Precipitation convention: every precip_mm sample is the one-hour
// accumulation reported by the hourly "precipitation" field.
package openmeteo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agromet/agromet/internal/obs"
	"github.com/agromet/agromet/internal/provider"
	"github.com/agromet/agromet/internal/provider/resilience"
)

const (
	// ProviderName identifies this weather provider.
	ProviderName = "openmeteo"

	// DefaultBaseURL is the Open-Meteo API base URL.
	DefaultBaseURL = "https://api.open-meteo.com/v1"

	// DefaultMinInterval is the politeness floor for polling Open-Meteo.
	DefaultMinInterval = 10 * time.Minute
)

// hourlyFields are the hourly variables requested from the API, in the
// order they map to canonical variables.
const hourlyFields = "temperature_2m,relative_humidity_2m,surface_pressure," +
	"wind_speed_10m,wind_direction_10m,precipitation,shortwave_radiation," +
	"cloud_cover,uv_index,dew_point_2m,visibility"

// currentFields mirrors hourlyFields for the current-conditions block.
const currentFields = "temperature_2m,relative_humidity_2m,surface_pressure," +
	"wind_speed_10m,wind_direction_10m,precipitation,cloud_cover"

// ClientConfig holds configuration for the Open-Meteo client.
type ClientConfig struct {
	// BaseURL is the API base URL (optional, defaults to Open-Meteo).
	BaseURL string

	// MinInterval overrides the declared minimum polling interval.
	MinInterval time.Duration

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *resilience.Client

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client is an Open-Meteo adapter.
type Client struct {
	baseURL     string
	minInterval time.Duration
	httpClient  *resilience.Client
	logger      zerolog.Logger
}

// NewClient creates a new Open-Meteo adapter.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
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
		baseURL:     baseURL,
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
		obs.VarPrecipMm, obs.VarSolarRadWm2, obs.VarCloudPct,
		obs.VarUVIndex, obs.VarDewPointC, obs.VarVisibilityKm,
	}
}

// FetchCurrent fetches current conditions for a station.
func (c *Client) FetchCurrent(ctx context.Context, station obs.Station) ([]obs.Observation, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", station.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", station.Longitude))
	q.Set("current", currentFields)
	q.Set("wind_speed_unit", "kmh")
	q.Set("timezone", "UTC")

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("unparseable response")
		return nil, provider.Schema(fmt.Errorf("decoding response: %w", err))
	}
	if resp.Current == nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("response missing current block")
		return nil, provider.Schema(fmt.Errorf("missing current block"))
	}

	observedAt, err := parseTime(resp.Current.Time)
	if err != nil {
		return nil, provider.Schema(fmt.Errorf("parsing current time: %w", err))
	}

	var out []obs.Observation
	emit := func(v obs.Variable, value *float64) {
		out = append(out, obs.Observation{
			StationID:        station.ID,
			ObservedAt:       observedAt,
			Variable:         v,
			Value:            value,
			SourceProviderID: ProviderName,
			Quality:          obs.QualityRaw,
		})
	}

	emit(obs.VarTempC, resp.Current.Temperature2m)
	emit(obs.VarHumidityPct, resp.Current.RelativeHumidity2m)
	emit(obs.VarPressureHPa, resp.Current.SurfacePressure)
	emit(obs.VarWindSpeedKmh, resp.Current.WindSpeed10m)
	emit(obs.VarWindDirDeg, resp.Current.WindDirection10m)
	emit(obs.VarPrecipMm, resp.Current.Precipitation)
	emit(obs.VarCloudPct, resp.Current.CloudCover)

	return out, nil
}

// FetchRange fetches hourly observations covering [from, to]. Open-Meteo is
// queried by whole dates, so the response is trimmed to the requested range.
func (c *Client) FetchRange(ctx context.Context, station obs.Station, from, to time.Time) ([]obs.Observation, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", station.Latitude))
	q.Set("longitude", fmt.Sprintf("%.4f", station.Longitude))
	q.Set("hourly", hourlyFields)
	q.Set("daily", "temperature_2m_min,temperature_2m_max")
	q.Set("wind_speed_unit", "kmh")
	q.Set("timezone", "UTC")
	q.Set("start_date", from.UTC().Format("2006-01-02"))
	q.Set("end_date", to.UTC().Format("2006-01-02"))

	body, err := c.get(ctx, q)
	if err != nil {
		return nil, err
	}

	var resp forecastResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("unparseable response")
		return nil, provider.Schema(fmt.Errorf("decoding response: %w", err))
	}
	if resp.Hourly == nil {
		c.logger.Error().Str("provider", ProviderName).RawJSON("body", body).Msg("response missing hourly block")
		return nil, provider.Schema(fmt.Errorf("missing hourly block"))
	}

	out, err := c.hourlyObservations(station, resp.Hourly, from, to)
	if err != nil {
		return nil, err
	}

	if resp.Daily != nil {
		daily, err := c.dailyObservations(station, resp.Daily, from, to)
		if err != nil {
			return nil, err
		}
		out = append(out, daily...)
	}

	return out, nil
}

func (c *Client) hourlyObservations(station obs.Station, h *hourlyBlock, from, to time.Time) ([]obs.Observation, error) {
	series := []struct {
		variable obs.Variable
		values   []*float64
		// convert adjusts provider units to canonical units.
		convert func(float64) float64
	}{
		{obs.VarTempC, h.Temperature2m, nil},
		{obs.VarHumidityPct, h.RelativeHumidity2m, nil},
		{obs.VarPressureHPa, h.SurfacePressure, nil},
		{obs.VarWindSpeedKmh, h.WindSpeed10m, nil},
		{obs.VarWindDirDeg, h.WindDirection10m, nil},
		{obs.VarPrecipMm, h.Precipitation, nil},
		{obs.VarSolarRadWm2, h.ShortwaveRadiation, nil},
		{obs.VarCloudPct, h.CloudCover, nil},
		{obs.VarUVIndex, h.UVIndex, nil},
		{obs.VarDewPointC, h.DewPoint2m, nil},
		{obs.VarVisibilityKm, h.Visibility, metersToKm},
	}

	var out []obs.Observation
	for i, ts := range h.Time {
		observedAt, err := parseTime(ts)
		if err != nil {
			return nil, provider.Schema(fmt.Errorf("parsing hourly time %q: %w", ts, err))
		}
		if observedAt.Before(from) || observedAt.After(to) {
			continue
		}

		for _, s := range series {
			if s.values == nil {
				continue
			}
			if i >= len(s.values) {
				return nil, provider.Schema(fmt.Errorf("hourly series %s shorter than time axis", s.variable))
			}
			value := s.values[i]
			if value != nil && s.convert != nil {
				converted := s.convert(*value)
				value = &converted
			}
			out = append(out, obs.Observation{
				StationID:        station.ID,
				ObservedAt:       observedAt,
				Variable:         s.variable,
				Value:            value,
				SourceProviderID: ProviderName,
				Quality:          obs.QualityRaw,
			})
		}
	}

	return out, nil
}

func (c *Client) dailyObservations(station obs.Station, d *dailyBlock, from, to time.Time) ([]obs.Observation, error) {
	var out []obs.Observation
	for i, ts := range d.Time {
		// Daily values are stamped at midnight UTC of their day.
		day, err := time.Parse("2006-01-02", ts)
		if err != nil {
			return nil, provider.Schema(fmt.Errorf("parsing daily date %q: %w", ts, err))
		}
		if day.Before(from.Truncate(24*time.Hour)) || day.After(to) {
			continue
		}

		if i < len(d.Temperature2mMin) {
			out = append(out, obs.Observation{
				StationID:        station.ID,
				ObservedAt:       day,
				Variable:         obs.VarTempMinC,
				Value:            d.Temperature2mMin[i],
				SourceProviderID: ProviderName,
				Quality:          obs.QualityRaw,
			})
		}
		if i < len(d.Temperature2mMax) {
			out = append(out, obs.Observation{
				StationID:        station.ID,
				ObservedAt:       day,
				Variable:         obs.VarTempMaxC,
				Value:            d.Temperature2mMax[i],
				SourceProviderID: ProviderName,
				Quality:          obs.QualityRaw,
			})
		}
	}
	return out, nil
}

// get performs one HTTP attempt and maps transport and status failures to
// typed provider failures.
func (c *Client) get(ctx context.Context, q url.Values) ([]byte, error) {
	reqURL := c.baseURL + "/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
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
		return nil, statusFailure(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(fmt.Errorf("reading response: %w", err))
	}

	return body, nil
}

func statusFailure(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return provider.Quota(retryAfter(resp), fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return provider.Transient(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return provider.Permanent(resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode))
	}
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

func metersToKm(m float64) float64 { return m / 1000.0 }

// parseTime parses Open-Meteo's minute-resolution ISO8601 timestamps, which
// arrive without a zone suffix because the request pins timezone=UTC.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// Open-Meteo API response structures.

type forecastResponse struct {
	Latitude  float64       `json:"latitude"`
	Longitude float64       `json:"longitude"`
	Current   *currentBlock `json:"current"`
	Hourly    *hourlyBlock  `json:"hourly"`
	Daily     *dailyBlock   `json:"daily"`
}

type currentBlock struct {
	Time               string   `json:"time"`
	Temperature2m      *float64 `json:"temperature_2m"`
	RelativeHumidity2m *float64 `json:"relative_humidity_2m"`
	SurfacePressure    *float64 `json:"surface_pressure"`
	WindSpeed10m       *float64 `json:"wind_speed_10m"`
	WindDirection10m   *float64 `json:"wind_direction_10m"`
	Precipitation      *float64 `json:"precipitation"`
	CloudCover         *float64 `json:"cloud_cover"`
}

type hourlyBlock struct {
	Time               []string   `json:"time"`
	Temperature2m      []*float64 `json:"temperature_2m"`
	RelativeHumidity2m []*float64 `json:"relative_humidity_2m"`
	SurfacePressure    []*float64 `json:"surface_pressure"`
	WindSpeed10m       []*float64 `json:"wind_speed_10m"`
	WindDirection10m   []*float64 `json:"wind_direction_10m"`
	Precipitation      []*float64 `json:"precipitation"`
	ShortwaveRadiation []*float64 `json:"shortwave_radiation"`
	CloudCover         []*float64 `json:"cloud_cover"`
	UVIndex            []*float64 `json:"uv_index"`
	DewPoint2m         []*float64 `json:"dew_point_2m"`
	Visibility         []*float64 `json:"visibility"`
}

type dailyBlock struct {
	Time             []string   `json:"time"`
	Temperature2mMin []*float64 `json:"temperature_2m_min"`
	Temperature2mMax []*float64 `json:"temperature_2m_max"`
}
