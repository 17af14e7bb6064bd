package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dewei/PriceRadar/pkg/model"
	"github.com/dewei/PriceRadar/pkg/monitor"
)

// pairGroup alerts sharing one (ticker, asset type)
type pairGroup struct {
	pair   model.Pair
	alerts []*model.Alert
}

// groupByPair keeps the order in which pairs first appear
func groupByPair(alerts []*model.Alert) []*pairGroup {
	index := make(map[model.Pair]*pairGroup)
	var groups []*pairGroup
	for _, a := range alerts {
		p := a.Pair()
		g, ok := index[p]
		if !ok {
			g = &pairGroup{pair: p}
			index[p] = g
			groups = append(groups, g)
		}
		g.alerts = append(g.alerts, a)
	}
	return groups
}

type fetchOutcome struct {
	result model.QuoteResult
	stats  CycleSummary
}

// fetchQuotes requests one quote per distinct pair and applies ERROR entry and recovery to the
// pair's alerts as soon as its quote resolves. It returns only after every pair has resolved.
func (e *Engine) fetchQuotes(ctx context.Context, alerts []*model.Alert, sum *CycleSummary) map[model.Pair]model.QuoteResult {
	groups := groupByPair(alerts)
	sum.Pairs = len(groups)

	outcomes := make([]fetchOutcome, len(groups))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					e.log.WithField("ticker", grp.pair.Ticker).Errorf("pair processing panicked: %v", r)
					outcomes[i] = fetchOutcome{
						result: model.QuoteResult{Err: &model.FetchError{Pair: grp.pair, Reason: fmt.Sprintf("panic: %v", r)}},
						stats:  CycleSummary{FetchFailures: 1},
					}
				}
			}()
			outcomes[i] = e.fetchPair(ctx, grp)
			return nil
		})
	}
	_ = g.Wait()

	quotes := make(map[model.Pair]model.QuoteResult, len(groups))
	var configErr error
	for i, grp := range groups {
		o := outcomes[i]
		quotes[grp.pair] = o.result
		sum.add(o.stats)

		var ce *model.ConfigurationError
		if errors.As(o.result.Err, &ce) {
			configErr = ce
		}
	}

	// cancelled fetches say nothing about the price source
	if ctx.Err() == nil {
		e.reportPriceHealth(sum.Pairs, sum.FetchFailures, configErr)
	}
	return quotes
}

func (e *Engine) fetchPair(ctx context.Context, grp *pairGroup) (out fetchOutcome) {
	log := e.log.WithFields(logrus.Fields{"ticker": grp.pair.Ticker, "asset_type": grp.pair.AssetType})

	quote, err := e.getLatest(ctx, grp.pair)
	if err != nil && ctx.Err() != nil {
		log.WithError(err).Debug("price fetch abandoned, cycle cancelled")
		out.result = model.QuoteResult{Err: err}
		return out
	}

	now := e.now()
	e.metrics.FetchResult(err == nil)
	if err != nil {
		log.WithError(err).Warnf("price fetch failed, marking %d alert(s) as ERROR", len(grp.alerts))
		out.result = model.QuoteResult{Err: err}
		out.stats.FetchFailures++

		for _, a := range grp.alerts {
			from := a.Status
			if a.Status != model.StatusError {
				a.Status = model.StatusError
				out.stats.Errored++
			}
			a.MarkFetchFailed(now)
			if e.save(ctx, a, &out.stats) {
				e.statusChanged(ctx, a, from, now)
			}
		}
		return out
	}

	log.WithField("price", quote.Price).Debug("price fetched")
	out.result = model.QuoteResult{Quote: quote}

	for _, a := range grp.alerts {
		if a.Status != model.StatusError {
			continue
		}
		a.Status = model.StatusActive
		a.MarkChecked(quote.Price, now)
		if e.save(ctx, a, &out.stats) {
			out.stats.Recovered++
			log.WithField("alert_id", a.ID).Info("alert recovered from ERROR")
			e.statusChanged(ctx, a, model.StatusError, now)
		}
	}
	return out
}

func (e *Engine) getLatest(ctx context.Context, pair model.Pair) (quote *model.Quote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &model.FetchError{Pair: pair, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	quote, err = e.prices.GetLatest(ctx, pair.Ticker, pair.AssetType)
	if err == nil && quote == nil {
		err = &model.FetchError{Pair: pair, Reason: "empty quote"}
	}
	return quote, err
}

func (e *Engine) reportPriceHealth(pairs, failures int, configErr error) {
	if e.health == nil || pairs == 0 {
		return
	}
	switch {
	case configErr != nil:
		e.health.UpdateStatus(componentPriceSource, monitor.StatusMisconfigured, configErr.Error())
	case failures == 0:
		e.health.UpdateStatus(componentPriceSource, monitor.StatusHealthy, "")
	case failures == pairs:
		e.health.UpdateStatus(componentPriceSource, monitor.StatusUnhealthy, fmt.Sprintf("all %d pairs failed", pairs))
	default:
		e.health.UpdateStatus(componentPriceSource, monitor.StatusDegraded, fmt.Sprintf("%d/%d pairs failed", failures, pairs))
	}
}
