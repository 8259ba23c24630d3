// Command catalog prints the canonical symbol table of an exchange.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"bookfeed/internal/catalog"
	"bookfeed/internal/symbols"
	"bookfeed/logger"
	"bookfeed/reader/dydx"
	"bookfeed/reader/upbit"
)

func main() {
	log := logger.GetLogger()

	exchange := flag.String("exchange", "dydx", "Exchange to list (dydx or upbit)")
	baseURL := flag.String("url", "", "REST base URL override")
	asJSON := flag.Bool("json", false, "Print JSON instead of a table")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mapper, err := load(ctx, strings.ToLower(*exchange), *baseURL)
	if err != nil {
		log.WithError(err).Error("failed to load catalog")
		os.Exit(1)
	}

	if err := render(os.Stdout, mapper, *asJSON); err != nil {
		log.WithError(err).Error("failed to print catalog")
		os.Exit(1)
	}
}

func load(ctx context.Context, exchange, baseURL string) (*symbols.Mapper, error) {
	fetcher := catalog.NewFetcher("bookfeed-catalog", 1, 20*time.Second)
	switch exchange {
	case "dydx":
		if baseURL == "" {
			baseURL = dydx.DefaultRESTURL
		}
		return fetcher.Load(ctx, strings.TrimRight(baseURL, "/")+dydx.MarketsPath, symbols.ParseDydxMarkets)
	case "upbit":
		if baseURL == "" {
			baseURL = upbit.DefaultRESTURL
		}
		return fetcher.Load(ctx, strings.TrimRight(baseURL, "/")+upbit.MarketsPath, symbols.ParseUpbitMarkets)
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}

func render(w io.Writer, m *symbols.Mapper, asJSON bool) error {
	infos := make([]symbols.Info, 0, m.Len())
	for _, s := range m.Symbols() {
		info, _ := m.Info(s)
		infos = append(infos, info)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SYMBOL\tNATIVE\tTYPE\tTICK")
	for _, info := range infos {
		tick := "-"
		if !info.TickSize.IsZero() {
			tick = info.TickSize.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", info.Symbol.Normalized(), info.Native, info.InstrumentType, tick)
	}
	return tw.Flush()
}
