// Package settlement предоставляет клиент внешней системы исполнения,
// сообщающей исход единиц работы.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Client инкапсулирует HTTP-взаимодействие с системой исполнения.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Статусы, которые возвращает система исполнения.
const (
	OutcomeRegistered = "REGISTERED"
	OutcomeProcessing = "PROCESSING"
	OutcomeCompleted  = "COMPLETED"
	OutcomeFailed     = "FAILED"
)

// UsageOutcome описывает ответ системы исполнения по одному списанию.
type UsageOutcome struct {
	Usage      int64  `json:"usage"`
	Status     string `json:"status"`
	ActualCost *int64 `json:"actual_cost,omitempty"`
}

// NewClient создаёт HTTP-клиент для обращения к системе исполнения по указанному адресу.
// Временные сетевые сбои и ответы 5xx повторяются клиентом самостоятельно.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc,
	}
}

// GetUsageOutcome запрашивает исход обработки указанного списания.
func (c *Client) GetUsageOutcome(ctx context.Context, usageID int64) (*UsageOutcome, int, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, 0, fmt.Errorf("settlement client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/usages/%d", base, usageID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, resp.StatusCode, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, resp.StatusCode, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result UsageOutcome
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, resp.StatusCode, 0, fmt.Errorf("decode response: %w", err)
	}

	return &result, resp.StatusCode, 0, nil
}
