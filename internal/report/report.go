// Package report renders the daily footfall report as a standalone HTML
// page: hourly enter/exit bars, the net occupancy curve and a per-zone
// breakdown. Data comes from the event store's summary queries, so the
// report and the live counters agree on day boundaries.
package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/footfall.report/internal/events"
	"github.com/banshee-data/footfall.report/internal/units"
)

// Source is the slice of the event store the report reads. Tests
// substitute a fake so rendering is covered without Postgres.
type Source interface {
	SummarizeHours(ctx context.Context, from, to time.Time, tz string) ([]events.HourlySummary, error)
	SummarizeDays(ctx context.Context, from, to time.Time, tz string) ([]events.DailySummary, error)
}

// Generate writes the HTML report for one local day. The date is a
// YYYY-MM-DD key in the site timezone, matching the daily counter keys.
func Generate(ctx context.Context, src Source, date, tz string, w io.Writer) error {
	loc, err := units.Location(tz)
	if err != nil {
		return err
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return fmt.Errorf("invalid report date %q: %w", date, err)
	}
	from, to := units.DayWindow(day, loc)

	hours, err := src.SummarizeHours(ctx, from, to, tz)
	if err != nil {
		return fmt.Errorf("failed to load hourly summary: %w", err)
	}
	zones, err := src.SummarizeDays(ctx, from, to, tz)
	if err != nil {
		return fmt.Errorf("failed to load zone summary: %w", err)
	}

	page := components.NewPage()
	page.AddCharts(
		hourlyChart(date, hours),
		occupancyChart(date, hours),
		zoneChart(date, zones),
	)

	if err := page.Render(w); err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	return nil
}

func hourLabels() []string {
	labels := make([]string, 24)
	for h := range labels {
		labels[h] = fmt.Sprintf("%02d:00", h)
	}
	return labels
}

// hourTallies spreads the summary rows over the 24 hour slots. Hours with
// no events stay zero so the axes line up across charts.
func hourTallies(hours []events.HourlySummary) (enters, exits [24]int) {
	for _, h := range hours {
		if h.Hour < 0 || h.Hour > 23 {
			continue
		}
		enters[h.Hour] += h.Enters
		exits[h.Hour] += h.Exits
	}
	return enters, exits
}

func hourlyChart(date string, hours []events.HourlySummary) *charts.Bar {
	enters, exits := hourTallies(hours)

	totalEnters, totalExits := 0, 0
	entersData := make([]opts.BarData, 24)
	exitsData := make([]opts.BarData, 24)
	for h := 0; h < 24; h++ {
		totalEnters += enters[h]
		totalExits += exits[h]
		entersData[h] = opts.BarData{Value: enters[h]}
		exitsData[h] = opts.BarData{Value: exits[h]}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Footfall " + date, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Hourly footfall", Subtitle: fmt.Sprintf("%s: %d enters, %d exits", date, totalEnters, totalExits)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(hourLabels()).
		AddSeries("enters", entersData).
		AddSeries("exits", exitsData)
	return bar
}

// occupancyChart plots the running enters-minus-exits total at the end of
// each hour. A negative tail usually means the camera missed enters.
func occupancyChart(date string, hours []events.HourlySummary) *charts.Line {
	enters, exits := hourTallies(hours)

	data := make([]opts.LineData, 24)
	running := 0
	for h := 0; h < 24; h++ {
		running += enters[h] - exits[h]
		data[h] = opts.LineData{Value: running}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Net occupancy", Subtitle: date}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(hourLabels()).
		AddSeries("occupancy", data)
	return line
}

func zoneChart(date string, zones []events.DailySummary) *charts.Bar {
	labels := make([]string, 0, len(zones))
	entersData := make([]opts.BarData, 0, len(zones))
	exitsData := make([]opts.BarData, 0, len(zones))
	uniquesData := make([]opts.BarData, 0, len(zones))
	for _, z := range zones {
		labels = append(labels, fmt.Sprintf("ch%d %s", z.ChannelID, z.ZoneID))
		entersData = append(entersData, opts.BarData{Value: z.Enters})
		exitsData = append(exitsData, opts.BarData{Value: z.Exits})
		uniquesData = append(uniquesData, opts.BarData{Value: z.Uniques})
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Zones", Subtitle: fmt.Sprintf("%s: %d zones reporting", date, len(zones))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(labels).
		AddSeries("enters", entersData).
		AddSeries("exits", exitsData).
		AddSeries("unique visitors", uniquesData,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
