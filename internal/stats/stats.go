// Package stats rolls validation records up into the operator summary.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/checkoutguard/internal/checkout"
	"github.com/mbd888/checkoutguard/internal/metrics"
)

// RecentWindow is the span covered by Summary.Recent.
const RecentWindow = 30 * 24 * time.Hour

// CountSource is the slice of checkout.Store the aggregator reads.
type CountSource interface {
	Counts(ctx context.Context, since time.Time) (*checkout.Counts, error)
}

// Rollup is one window's counts plus its conversion rate.
type Rollup struct {
	checkout.Counts
	ConversionRate string `json:"conversionRate"`
}

// Summary is the headline rollup over all records plus the recent window.
type Summary struct {
	Rollup
	Recent Rollup `json:"recent"`
}

// Aggregator computes summaries on demand. It holds no state of its own.
type Aggregator struct {
	source CountSource
	now    func() time.Time
}

// NewAggregator creates a stats aggregator over source.
func NewAggregator(source CountSource) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

// Summary reads the unbounded and recent rollups and mirrors the headline
// totals into prometheus gauges.
func (a *Aggregator) Summary(ctx context.Context) (*Summary, error) {
	all, err := a.source.Counts(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("count all validations: %w", err)
	}
	recent, err := a.source.Counts(ctx, a.now().Add(-RecentWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent validations: %w", err)
	}

	metrics.ValidationsRecorded.WithLabelValues("total").Set(float64(all.Total))
	metrics.ValidationsRecorded.WithLabelValues("passed").Set(float64(all.Passed))
	metrics.ValidationsRecorded.WithLabelValues("failed").Set(float64(all.Failed))
	metrics.ValidationsRecorded.WithLabelValues("bot").Set(float64(all.BotCount))
	metrics.ValidationsRecorded.WithLabelValues("proceeded").Set(float64(all.Proceeded))

	return &Summary{
		Rollup: rollup(*all),
		Recent: rollup(*recent),
	}, nil
}

func rollup(c checkout.Counts) Rollup {
	return Rollup{Counts: c, ConversionRate: ConversionRate(c.CompletedOrders, c.Total)}
}

// ConversionRate is completed/total as a percentage with two decimals, or
// "0" when there is nothing to divide by.
func ConversionRate(completed, total int64) string {
	if total <= 0 {
		return "0"
	}
	return fmt.Sprintf("%.2f", float64(completed)/float64(total)*100)
}
