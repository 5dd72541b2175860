package model

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Errors
var (
	ErrNotDepthUpdate = errors.New("not a depth update")
	ErrBadLevel       = errors.New("price level must have price and quantity")
	ErrBadSequence    = errors.New("final update id below first update id")
)

type wireDiff struct {
	EventType     string              `json:"e"`
	EventTime     int64               `json:"E"`
	Symbol        string              `json:"s"`
	FirstUpdateID *int64              `json:"U"`
	FinalUpdateID *int64              `json:"u"`
	Bids          [][]decimal.Decimal `json:"b"`
	Asks          [][]decimal.Decimal `json:"a"`
}

type wireSnapshot struct {
	LastUpdateID int64               `json:"lastUpdateId"`
	Bids         [][]decimal.Decimal `json:"bids"`
	Asks         [][]decimal.Decimal `json:"asks"`
}

// ParseDiff decodes a depth update payload ({E,U,u,b,a}).
func ParseDiff(data []byte) (DiffMessage, error) {
	var w wireDiff
	if err := json.Unmarshal(data, &w); err != nil {
		return DiffMessage{}, fmt.Errorf("unmarshal diff: %w", err)
	}
	if w.FirstUpdateID == nil || w.FinalUpdateID == nil {
		return DiffMessage{}, ErrNotDepthUpdate
	}
	if *w.FinalUpdateID < *w.FirstUpdateID {
		return DiffMessage{}, fmt.Errorf("%w: U=%d u=%d", ErrBadSequence, *w.FirstUpdateID, *w.FinalUpdateID)
	}

	bids, err := toLevels(w.Bids)
	if err != nil {
		return DiffMessage{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := toLevels(w.Asks)
	if err != nil {
		return DiffMessage{}, fmt.Errorf("asks: %w", err)
	}

	return DiffMessage{
		EventType:     w.EventType,
		EventTime:     w.EventTime,
		Symbol:        w.Symbol,
		FirstUpdateID: *w.FirstUpdateID,
		FinalUpdateID: *w.FinalUpdateID,
		Bids:          bids,
		Asks:          asks,
	}, nil
}

// ParseSnapshot decodes a REST depth snapshot ({lastUpdateId,bids,asks}).
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var w wireSnapshot
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	bids, err := toLevels(w.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := toLevels(w.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	return &Snapshot{
		LastUpdateID: w.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func toLevels(rows [][]decimal.Decimal) ([]PriceLevel, error) {
	levels := make([]PriceLevel, 0, len(rows))
	for i, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("row %d: %w", i, ErrBadLevel)
		}
		levels = append(levels, PriceLevel{Price: row[0], Quantity: row[1]})
	}
	return levels, nil
}
