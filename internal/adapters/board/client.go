// Package board is the client for the board system's GraphQL API.
package board

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"boardsync/pkg/httputil"
)

const (
	createItemMutation = `mutation ($boardId: ID!, $itemName: String!, $columnValues: JSON) {
  create_item (board_id: $boardId, item_name: $itemName, column_values: $columnValues) { id }
}`
	updateItemMutation = `mutation ($boardId: ID!, $itemId: ID!, $columnValues: JSON!) {
  change_multiple_column_values (board_id: $boardId, item_id: $itemId, column_values: $columnValues) { id }
}`
)

// Config holds the client settings.
type Config struct {
	URL           string
	Token         string
	APIVersion    string
	Timeout       time.Duration
	RatePerSecond float64
}

// Client talks to the board API. It is safe for concurrent use.
type Client struct {
	httpClient *resty.Client
	limiter    *rate.Limiter
}

// NewClient creates a board client. Every call is bounded by cfg.Timeout and
// paced by a token bucket of cfg.RatePerSecond.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("board API URL cannot be empty")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("board API token cannot be empty")
	}

	hc := httputil.NewRestyClient(cfg.URL, cfg.Timeout).
		SetHeader("Authorization", cfg.Token)
	if cfg.APIVersion != "" {
		hc.SetHeader("API-Version", cfg.APIVersion)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}

	log.Info().Str("url", cfg.URL).Str("apiVersion", cfg.APIVersion).Dur("timeout", cfg.Timeout).Msg("Board client configured")

	return &Client{httpClient: hc, limiter: rate.NewLimiter(limit, burst)}, nil
}

// CreateItem creates an item and returns its id.
func (c *Client) CreateItem(ctx context.Context, boardID, itemName string, columnValues map[string]any) (*Item, error) {
	cv, err := json.Marshal(columnValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column values: %w", err)
	}
	item, err := c.mutate(ctx, "create_item", createItemMutation, map[string]any{
		"boardId":      boardID,
		"itemName":     itemName,
		"columnValues": string(cv),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("boardId", boardID).Str("itemId", item.ID).Msg("Board item created")
	return item, nil
}

// UpdateItem overwrites the given columns of an existing item.
func (c *Client) UpdateItem(ctx context.Context, boardID, itemID string, columnValues map[string]any) (*Item, error) {
	cv, err := json.Marshal(columnValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode column values: %w", err)
	}
	item, err := c.mutate(ctx, "change_multiple_column_values", updateItemMutation, map[string]any{
		"boardId":      boardID,
		"itemId":       itemID,
		"columnValues": string(cv),
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("boardId", boardID).Str("itemId", item.ID).Msg("Board item updated")
	return item, nil
}

func (c *Client) mutate(ctx context.Context, op, query string, vars map[string]any) (*Item, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &APIError{Op: op, Err: err}
	}

	var out graphQLResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(graphQLRequest{Query: query, Variables: vars}).
		SetResult(&out).
		SetError(&out).
		Post("")
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("Board API request failed")
		return nil, &APIError{Op: op, Err: err}
	}

	if resp.IsError() || out.failed() {
		apiErr := &APIError{
			Op:         op,
			StatusCode: resp.StatusCode(),
			Codes:      out.codes(),
			Messages:   out.messages(),
		}
		if len(apiErr.Messages) == 0 && resp.IsError() {
			apiErr.Messages = []string{resp.String()}
		}
		log.Error().
			Str("op", op).
			Int("statusCode", resp.StatusCode()).
			Strs("codes", apiErr.Codes).
			Bool("retryable", apiErr.Retryable()).
			Msg("Board API returned an error")
		return nil, apiErr
	}

	item := out.Data[op]
	if item == nil || item.ID == "" {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode(), Messages: []string{"response carried no item id"}}
	}
	return item, nil
}
