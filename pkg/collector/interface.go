package collector

import (
	"context"

	"github.com/dewei/PriceRadar/pkg/model"
)

// PriceSource resolves the latest quote for one instrument
type PriceSource interface {
	GetLatest(ctx context.Context, ticker string, assetType model.AssetType) (*model.Quote, error)
}
