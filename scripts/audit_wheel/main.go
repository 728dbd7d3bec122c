// audit_wheel - A utility to audit live wheel state per underlying.
// For every symbol in the configured universe it derives the wheel phase
// from broker positions, flags state no phase can explain, and lists the
// working orders that would block a new entry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/tstrasser/wheelhouse/internal/broker"
	"github.com/tstrasser/wheelhouse/internal/config"
	"github.com/tstrasser/wheelhouse/internal/models"
)

type symbolAudit struct {
	Symbol     string   `json:"symbol"`
	Phase      string   `json:"phase"`
	Consistent bool     `json:"consistent"`
	Conflict   string   `json:"conflict,omitempty"`
	Positions  []string `json:"positions,omitempty"`
	OpenOrders []string `json:"open_orders,omitempty"`
	SellPutOK  bool     `json:"sell_put_ok"`
	SellCallOK bool     `json:"sell_call_ok"`
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("Broker: %s (paper: %t)\n", cfg.Broker.APIBase, cfg.IsPaper())
		fmt.Printf("\n")
	}

	logger := log.New(os.Stderr, "[AUDIT] ", log.LstdFlags)
	brk := broker.NewCircuitBreakerBroker(broker.NewAlpacaClient(broker.Settings{
		APIBase:           cfg.Broker.APIBase,
		DataBase:          cfg.Broker.DataBase,
		APIKey:            cfg.Broker.APIKey,
		APISecret:         cfg.Broker.APISecret,
		RequestsPerMinute: cfg.Broker.RequestsPerMinute,
		Logger:            logger,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DataTimeout())
	defer cancel()

	positions, err := brk.GetPositions(ctx)
	if err != nil {
		log.Fatalf("Failed to get positions: %v", err)
	}
	orders, err := brk.GetOrders(ctx, broker.FilterOpen)
	if err != nil {
		log.Fatalf("Failed to get open orders: %v", err)
	}

	audits := make([]symbolAudit, 0, len(cfg.Universe))
	for _, symbol := range cfg.NormalizedUniverse() {
		audits = append(audits, auditSymbol(symbol, positions, orders))
	}

	if *jsonOutput {
		out, err := json.MarshalIndent(audits, "", "  ")
		if err != nil {
			log.Fatalf("Failed to encode audit: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	conflicts := 0
	for _, a := range audits {
		fmt.Printf("%s: %s\n", a.Symbol, a.Phase)
		if !a.Consistent {
			conflicts++
			fmt.Printf("  CONFLICT: %s\n", a.Conflict)
		}
		for _, p := range a.Positions {
			fmt.Printf("  position: %s\n", p)
		}
		for _, o := range a.OpenOrders {
			fmt.Printf("  open order: %s\n", o)
		}
		fmt.Printf("  sell put: %t, sell call: %t\n", a.SellPutOK, a.SellCallOK)
	}

	fmt.Printf("\n%d symbols audited, %d conflicts\n", len(audits), conflicts)
	if conflicts > 0 {
		os.Exit(1)
	}
}

func auditSymbol(symbol string, positions []models.Position, orders []models.OpenOrder) symbolAudit {
	a := symbolAudit{Symbol: symbol, Consistent: true}

	for i := range positions {
		p := &positions[i]
		if p.UnderlyingSymbol() != symbol {
			continue
		}
		a.Positions = append(a.Positions,
			fmt.Sprintf("%s qty %.0f entry $%.2f", p.Symbol, p.Quantity, p.EntryPrice))
	}
	for _, o := range orders {
		if models.UnderlyingOf(o.Symbol) != symbol {
			continue
		}
		a.OpenOrders = append(a.OpenOrders,
			fmt.Sprintf("%s %s qty %.0f @ $%.2f (%s)", o.Side, o.Symbol, o.Quantity, o.LimitPrice, o.Status))
	}

	if err := models.CheckWheelConsistency(symbol, positions); err != nil {
		a.Consistent = false
		a.Conflict = err.Error()
		a.Phase = "UNKNOWN"
		return a
	}

	phase := models.DerivePhase(symbol, positions)
	a.Phase = string(phase)
	a.SellPutOK = phase.Allows(models.OpSellPut)
	a.SellCallOK = phase.Allows(models.OpSellCall)
	return a
}
