package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fieldmap/server/internal/field"
	"github.com/fieldmap/server/internal/forecast"
	"github.com/sony/gobreaker"
)

// BackoffConfig controls exponential backoff behaviour.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPConfig configures an HTTP source.
type HTTPConfig struct {
	BaseURL         string
	Client          *http.Client
	Backoff         BackoffConfig
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

var (
	errServerError = errors.New("server error")
	errCircuitOpen = errors.New("circuit breaker open")
)

// HTTP fetches samples from a remote FieldMap API with retries and a
// circuit breaker.
type HTTP struct {
	base    *url.URL
	client  *http.Client
	backoff BackoffConfig
	cb      *gobreaker.CircuitBreaker
}

// NewHTTP creates an HTTP source.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Backoff.InitialInterval <= 0 {
		cfg.Backoff.InitialInterval = 200 * time.Millisecond
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	failures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "fieldmap-" + base.Host,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[Source] breaker %s: %s -> %s", name, from, to)
		},
	})

	return &HTTP{base: base, client: client, backoff: cfg.Backoff, cb: cb}, nil
}

// Fetch implements Source.
func (h *HTTP) Fetch(ctx context.Context, sel forecast.Selection) ([]field.Record, error) {
	endpoint := h.endpoint(sel)

	resp, err := h.do(ctx, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, sel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: %s", ErrFetch, sel, apiError(resp))
	}

	var recs []field.Record
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return nil, fmt.Errorf("%w: %s: failed to decode response: %w", ErrFetch, sel, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, sel, field.ErrEmptyData)
	}
	return recs, nil
}

func (h *HTTP) endpoint(sel forecast.Selection) string {
	q := url.Values{}
	q.Set("model", sel.Model)
	q.Set("hour", strconv.Itoa(sel.Hour))
	q.Set("member", sel.Member)

	u := *h.base
	if sel.IsWind() {
		u.Path += "/api/wind-data"
	} else {
		q.Set("variable", sel.Variable)
		u.Path += "/api/forecast-data"
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// do executes the request with retries, exponential backoff and the
// circuit breaker. Client errors (4xx) are returned without retrying and do
// not count against the breaker.
func (h *HTTP) do(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var attempt int
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		req, err := build()
		if err != nil {
			return nil, err
		}
		req = req.WithContext(ctx)

		result, err := h.cb.Execute(func() (interface{}, error) {
			resp, execErr := h.client.Do(req)
			if execErr != nil {
				return nil, execErr
			}
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				msg := apiError(resp)
				resp.Body.Close()
				return nil, fmt.Errorf("%w: %s", errServerError, msg)
			}
			return resp, nil
		})
		if err == nil {
			return result.(*http.Response), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		if attempt >= h.backoff.MaxRetries {
			return nil, err
		}

		delay := h.backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if h.backoff.MaxInterval > 0 && delay > h.backoff.MaxInterval {
			delay = h.backoff.MaxInterval
		}
		log.Printf("[Source] attempt %d failed: %v; retrying in %v", attempt+1, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// apiError extracts the {"error": ...} message of a failed response.
func apiError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
