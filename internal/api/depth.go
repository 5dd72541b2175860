package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rickgao/depth-mirror/internal/model"
)

// ErrEmptySymbol is returned when a symbol argument is blank.
var ErrEmptySymbol = errors.New("empty symbol")

// DepthSnapshot fetches the REST order book snapshot for symbol.
// limit <= 0 uses the exchange default.
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*model.Snapshot, error) {
	if symbol == "" {
		return nil, ErrEmptySymbol
	}

	query := url.Values{}
	query.Set("symbol", strings.ToUpper(symbol))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	body, err := c.get(ctx, "/api/v3/depth", query)
	if err != nil {
		return nil, fmt.Errorf("get depth %s: %w", symbol, err)
	}

	snap, err := model.ParseSnapshot(body)
	if err != nil {
		return nil, fmt.Errorf("parse depth %s: %w", symbol, err)
	}

	return snap, nil
}

// Ping checks REST connectivity.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.get(ctx, "/api/v3/ping", nil)
	return err
}
