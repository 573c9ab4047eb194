package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"liqguard/internal/domain"
	"liqguard/internal/storage"
)

// maxStrikeLines caps strike overlays so a busy book stays readable.
const maxStrikeLines = 8

// Export renders an asset's price history as CSV and/or a PNG chart with the
// strikes of its active policies drawn as barriers.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if err := a.requireDatabase(); err != nil {
		return err
	}
	asset, err := domain.ParseAsset(opts.Asset)
	if err != nil {
		return err
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	samples, err := store.ListPriceSamplesBetween(ctx, asset, from, to)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("asset", string(asset)).Msg("no samples found for export window")
		return nil
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		active := domain.StatusActive
		policies, err := store.List(ctx, storage.PolicyFilter{Asset: &asset, Status: &active, Limit: maxStrikeLines})
		if err != nil {
			return err
		}
		size := chartSize{Width: a.Config.Export.ChartWidth, Height: a.Config.Export.ChartHeight}
		if err := writeSamplesPNG(opts.PNGPath, asset, downsampled, policies, size); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []storage.PriceSampleRecord, max int) []storage.PriceSampleRecord {
	if max <= 0 || len(samples) <= max {
		return samples
	}
	if max == 1 {
		return samples[len(samples)-1:]
	}

	result := make([]storage.PriceSampleRecord, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []storage.PriceSampleRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"published_at", "asset", "price", "confidence", "mantissa", "exponent", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range samples {
		record := []string{
			s.PublishedAt.UTC().Format(time.RFC3339),
			string(s.Asset),
			s.Price.String(),
			s.Confidence.String(),
			strconv.FormatInt(s.Mantissa, 10),
			strconv.FormatInt(int64(s.Exponent), 10),
			s.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

type chartSize struct {
	Width  int
	Height int
}

func writeSamplesPNG(path string, asset domain.Asset, samples []storage.PriceSampleRecord, policies []domain.Policy, size chartSize) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if size.Width <= 0 {
		size.Width = 1280
	}
	if size.Height <= 0 {
		size.Height = 720
	}

	x := make([]time.Time, len(samples))
	price := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = s.PublishedAt
		price[i] = s.Price.InexactFloat64()
	}

	series := []chart.Series{
		chart.TimeSeries{
			Name:    fmt.Sprintf("%s/USD", asset),
			XValues: x,
			YValues: price,
		},
	}
	// a barrier is a flat line across the window
	ends := []time.Time{x[0], x[len(x)-1]}
	for _, p := range policies {
		strike := p.StrikePrice.InexactFloat64()
		series = append(series, chart.TimeSeries{
			Name:    fmt.Sprintf("%s strike %s", p.Side, p.StrikePrice.String()),
			XValues: ends,
			YValues: []float64{strike, strike},
			Style: chart.Style{
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  size.Width,
		Height: size.Height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
