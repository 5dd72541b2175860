package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
)

// IssuerConfig configures a BinanceIssuer.
type IssuerConfig struct {
	APIKey     string
	APISecret  string
	SpotURL    string // REST base for user, margin and isolated margin keys
	FuturesURL string // REST base for futures keys
	HTTPClient *http.Client
}

// BinanceIssuer implements TokenIssuer with the go-binance spot and futures clients.
type BinanceIssuer struct {
	spot    *binance.Client
	futures *futures.Client
}

// NewBinanceIssuer creates an issuer. Empty URLs keep the SDK defaults.
func NewBinanceIssuer(cfg IssuerConfig) *BinanceIssuer {
	spot := binance.NewClient(cfg.APIKey, cfg.APISecret)
	fut := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.SpotURL != "" {
		spot.BaseURL = cfg.SpotURL
	}
	if cfg.FuturesURL != "" {
		fut.BaseURL = cfg.FuturesURL
	}
	if cfg.HTTPClient != nil {
		spot.HTTPClient = cfg.HTTPClient
		fut.HTTPClient = cfg.HTTPClient
	}
	return &BinanceIssuer{spot: spot, futures: fut}
}

// Issue creates a listen key, or returns the current one if it is still valid.
func (b *BinanceIssuer) Issue(ctx context.Context, class Class) (string, error) {
	switch class.Kind {
	case KindUser:
		return b.spot.NewStartUserStreamService().Do(ctx)
	case KindMargin:
		return b.spot.NewStartMarginUserStreamService().Do(ctx)
	case KindIsolatedMargin:
		return b.spot.NewStartIsolatedMarginUserStreamService().Symbol(class.Symbol).Do(ctx)
	case KindFutures:
		return b.futures.NewStartUserStreamService().Do(ctx)
	}
	return "", fmt.Errorf("unsupported session class %s", class)
}

// Keepalive extends the validity of token.
func (b *BinanceIssuer) Keepalive(ctx context.Context, class Class, token string) error {
	switch class.Kind {
	case KindUser:
		return b.spot.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx)
	case KindMargin:
		return b.spot.NewKeepaliveMarginUserStreamService().ListenKey(token).Do(ctx)
	case KindIsolatedMargin:
		return b.spot.NewKeepaliveIsolatedMarginUserStreamService().Symbol(class.Symbol).ListenKey(token).Do(ctx)
	case KindFutures:
		return b.futures.NewKeepaliveUserStreamService().ListenKey(token).Do(ctx)
	}
	return fmt.Errorf("unsupported session class %s", class)
}

// Revoke closes token.
func (b *BinanceIssuer) Revoke(ctx context.Context, class Class, token string) error {
	switch class.Kind {
	case KindUser:
		return b.spot.NewCloseUserStreamService().ListenKey(token).Do(ctx)
	case KindMargin:
		return b.spot.NewCloseMarginUserStreamService().ListenKey(token).Do(ctx)
	case KindIsolatedMargin:
		return b.spot.NewCloseIsolatedMarginUserStreamService().Symbol(class.Symbol).ListenKey(token).Do(ctx)
	case KindFutures:
		return b.futures.NewCloseUserStreamService().ListenKey(token).Do(ctx)
	}
	return fmt.Errorf("unsupported session class %s", class)
}
