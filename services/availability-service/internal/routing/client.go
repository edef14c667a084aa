// Package routing wraps the external distance-matrix provider used for travel times.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type TrafficModel string

const (
	TrafficBestGuess   TrafficModel = "best_guess"
	TrafficPessimistic TrafficModel = "pessimistic"
	TrafficOptimistic  TrafficModel = "optimistic"
)

var (
	ErrNoRoute       = errors.New("routing: no route between postal codes")
	ErrUnavailable   = errors.New("routing: provider unavailable")
	ErrNotConfigured = errors.New("routing: api key not configured")
)

type Query struct {
	Origin       string
	Destination  string
	Departure    time.Time
	TrafficModel TrafficModel
}

type Result struct {
	DurationMinutes          int
	DurationInTrafficMinutes int
	DistanceMeters           int
}

// Minutes prefers the traffic-aware duration when the provider returned one.
func (r Result) Minutes() int {
	if r.DurationInTrafficMinutes > 0 {
		return r.DurationInTrafficMinutes
	}
	return r.DurationMinutes
}

type Config struct {
	BaseURL string
	APIKey  string
	// Country is appended to bare postal codes so the provider does not guess the country.
	Country string
	Timeout time.Duration
	// Breaker trips after this many consecutive failures and stays open for BreakerOpenFor.
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
	Now             func() time.Time
}

// Client calls the Google Distance Matrix JSON API.
type Client struct {
	baseURL string
	apiKey  string
	country string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[Result]
	logger  *slog.Logger
	now     func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://maps.googleapis.com/maps/api/distancematrix/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		country: strings.TrimSpace(cfg.Country),
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
		now:    cfg.Now,
	}
	c.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:    "routing",
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// A postal pair without a route is an answer, not a provider fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoRoute)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// DistanceMatrix returns the driving duration for one origin/destination pair.
func (c *Client) DistanceMatrix(ctx context.Context, q Query) (Result, error) {
	if c.apiKey == "" {
		return Result{}, ErrNotConfigured
	}
	res, err := c.breaker.Execute(func() (Result, error) {
		return c.fetch(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

type matrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Rows         []struct {
		Elements []struct {
			Status            string     `json:"status"`
			Duration          valueField `json:"duration"`
			DurationInTraffic valueField `json:"duration_in_traffic"`
			Distance          valueField `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
}

type valueField struct {
	Value int `json:"value"`
}

func (c *Client) fetch(ctx context.Context, q Query) (Result, error) {
	params := url.Values{}
	params.Set("origins", c.place(q.Origin))
	params.Set("destinations", c.place(q.Destination))
	params.Set("mode", "driving")
	params.Set("key", c.apiKey)
	// The provider rejects departures in the past.
	departure := q.Departure
	if now := c.now(); departure.IsZero() || departure.Before(now) {
		departure = now
	}
	params.Set("departure_time", strconv.FormatInt(departure.Unix(), 10))
	if q.TrafficModel != "" {
		params.Set("traffic_model", string(q.TrafficModel))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("routing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Result{}, fmt.Errorf("routing status %d", resp.StatusCode)
	}
	var body matrixResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("decode routing response: %w", err)
	}
	if body.Status != "OK" {
		return Result{}, fmt.Errorf("routing status %s: %s", body.Status, body.ErrorMessage)
	}
	if len(body.Rows) == 0 || len(body.Rows[0].Elements) == 0 {
		return Result{}, ErrNoRoute
	}
	el := body.Rows[0].Elements[0]
	if el.Status != "OK" {
		return Result{}, fmt.Errorf("%w: %s", ErrNoRoute, el.Status)
	}
	return Result{
		DurationMinutes:          ceilMinutes(el.Duration.Value),
		DurationInTrafficMinutes: ceilMinutes(el.DurationInTraffic.Value),
		DistanceMeters:           el.Distance.Value,
	}, nil
}

func (c *Client) place(postalCode string) string {
	if c.country == "" {
		return postalCode
	}
	return postalCode + "," + c.country
}

func ceilMinutes(seconds int) int {
	if seconds <= 0 {
		return 0
	}
	return int(math.Ceil(float64(seconds) / 60))
}
