package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/allergy-notices/internal/circuitbreaker"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
)

// Client talks to notice-service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	logger     *logrus.Logger
}

type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

func NewClient(config ClientConfig, logger *logrus.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "notice-service",
		MaxFailures: config.MaxFailures,
		Timeout:     config.BreakerTimeout,
		IsFailure: func(err error) bool {
			return !errors.Is(err, ErrRejected) && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Notice service breaker changed state")
		},
	}, logger)

	return &Client{
		baseURL:    config.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

func (c *Client) Save(ctx context.Context, o *models.Order, opts SaveOptions) error {
	restaurantID := opts.RestaurantID
	if restaurantID == "" {
		restaurantID = o.RestaurantID
	}

	jsonData, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	endpoint := fmt.Sprintf("%s/notices/%s?%s", c.baseURL, url.PathEscape(o.ID),
		url.Values{"restaurant_id": {restaurantID}}.Encode())

	var orderResp models.OrderResponse
	err = c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, &orderResp)
	})
	if err != nil {
		c.logger.WithError(err).WithField("notice_id", o.ID).Warn("Failed to save notice")
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"notice_id": o.ID,
		"status":    o.Status,
		"revision":  o.Revision,
	}).Debug("Saved notice to notice service")
	return nil
}

func (c *Client) FetchOrders(ctx context.Context, restaurantIDs []string) ([]models.Order, error) {
	endpoint := c.baseURL + "/notices?" + url.Values{"restaurant_id": restaurantIDs}.Encode()

	var response struct {
		Success bool           `json:"success"`
		Orders  []models.Order `json:"orders"`
		Count   int            `json:"count"`
	}
	err := c.call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		return c.do(req, &response)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithField("count", response.Count).Debug("Retrieved notices from notice service")
	return response.Orders, nil
}

func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := c.breaker.Execute(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		var body models.OrderResponse
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%w: %s", ErrConflict, body.Message)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		var body models.OrderResponse
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%w: %s", ErrRejected, body.Message)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrUnavailable, err)
	}
	return nil
}
