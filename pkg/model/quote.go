package model

import (
	"fmt"
	"time"
)

// Pair the (ticker, asset type) combination used to deduplicate price lookups
type Pair struct {
	Ticker    string    `json:"ticker"`
	AssetType AssetType `json:"asset_type"`
}

func (p Pair) String() string {
	return fmt.Sprintf("%s-%s", p.Ticker, p.AssetType)
}

// Quote the latest price returned by the price source
type Quote struct {
	Ticker    string    `json:"ticker"`
	AssetType AssetType `json:"asset_type"`
	Price     float64   `json:"price"`
	Timestamp string    `json:"timestamp,omitempty"` // as reported upstream
	Formula   string    `json:"formula,omitempty"`   // only for DERIVED instruments
	FetchedAt time.Time `json:"fetched_at"`
}

// QuoteResult one entry of a cycle's quote map; exactly one of Quote and Err is set
type QuoteResult struct {
	Quote *Quote
	Err   error
}

func (r QuoteResult) OK() bool {
	return r.Err == nil && r.Quote != nil
}
