package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"liqguard/internal/domain"
	"liqguard/internal/storage"
)

// Show prints stored policies and, optionally, recent price samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if err := a.requireDatabase(); err != nil {
		return err
	}
	filter, err := opts.filter()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	policies, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	a.writePolicies(policies)

	if !opts.Prices {
		return nil
	}
	assets, err := a.Config.MonitoredAssets()
	if err != nil {
		return err
	}
	if filter.Asset != nil {
		assets = []domain.Asset{*filter.Asset}
	}
	for _, asset := range assets {
		samples, err := store.ListRecentPriceSamples(ctx, asset, opts.Limit)
		if err != nil {
			return err
		}
		a.writeSamples(asset, samples)
	}
	return nil
}

func (o ShowOptions) filter() (storage.PolicyFilter, error) {
	filter := storage.PolicyFilter{Owner: o.Owner, Limit: o.Limit}
	if o.Asset != "" {
		asset, err := domain.ParseAsset(o.Asset)
		if err != nil {
			return filter, err
		}
		filter.Asset = &asset
	}
	if o.Status != "" {
		status, err := domain.ParseStatus(o.Status)
		if err != nil {
			return filter, err
		}
		filter.Status = &status
	}
	return filter, nil
}

func (a *App) writePolicies(policies []domain.Policy) {
	if len(policies) == 0 {
		fmt.Fprintln(a.Out, "no policies found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tAsset\tSide\tStrike\tCoverage\tPremium\tStatus\tExpires (UTC)\tSettlement")
	for _, p := range policies {
		expires := "-"
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.UTC().Format(time.RFC3339)
		}
		ref := "-"
		if p.SettlementRef != nil {
			ref = sanitizeInline(*p.SettlementRef)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID,
			p.Asset,
			p.Side,
			p.StrikePrice.String(),
			formatDecimal(p.CoverageAmount, 2),
			formatDecimal(p.PremiumAmount, 4),
			p.Status,
			expires,
			ref,
		)
	}
	writer.Flush()
}

func (a *App) writeSamples(asset domain.Asset, samples []storage.PriceSampleRecord) {
	fmt.Fprintf(a.Out, "\n%s prices\n", asset)
	if len(samples) == 0 {
		fmt.Fprintln(a.Out, "no samples found")
		return
	}
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Published (UTC)\tPrice\tConfidence\tSource")
	for _, s := range samples {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			s.PublishedAt.UTC().Format(time.RFC3339),
			s.Price.String(),
			s.Confidence.String(),
			s.Source,
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
