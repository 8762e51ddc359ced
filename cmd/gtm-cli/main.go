package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"gotothemoon/pkg/gtmclient"
)

const version = "0.2.0"

var (
	gainStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func main() {
	addr := flag.String("addr", envOr("GTM_ADDR", "localhost:9090"), "trader gRPC address")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: gtm-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version          Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  portfolio        Show cash, positions and equity\n")
		fmt.Fprintf(os.Stderr, "  orders [state]   List orders, optionally in one state\n")
		fmt.Fprintf(os.Stderr, "  order <id>       Show one order\n")
		fmt.Fprintf(os.Stderr, "  cancel <id>      Cancel one order\n")
		fmt.Fprintf(os.Stderr, "  flatten          Cancel every open order\n")
		fmt.Fprintf(os.Stderr, "  orphans          Show the orphan report\n")
		fmt.Fprintf(os.Stderr, "  stats            Show engine counters\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("gtm-cli %s\n", version)
		return
	}

	c, err := gtmclient.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := runCommand(ctx, c, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, c *gtmclient.Client, args []string) error {
	arg := func() (string, error) {
		if len(args) < 2 {
			return "", fmt.Errorf("missing argument")
		}
		return args[1], nil
	}

	switch args[0] {
	case "portfolio":
		p, err := c.Portfolio(ctx)
		if err != nil {
			return err
		}
		printPortfolio(p)

	case "orders":
		state := ""
		if len(args) > 1 {
			state = args[1]
		}
		orders, err := c.Orders(ctx, state)
		if err != nil {
			return err
		}
		printOrders(orders)

	case "order":
		id, err := arg()
		if err != nil {
			return err
		}
		o, err := c.Order(ctx, id)
		if err != nil {
			return err
		}
		printOrders([]gtmclient.Order{o})
		if o.Reason != "" {
			fmt.Println(dimStyle.Render("reason: " + o.Reason))
		}

	case "cancel":
		id, err := arg()
		if err != nil {
			return err
		}
		if err := c.Cancel(ctx, id); err != nil {
			return err
		}
		fmt.Printf("cancel requested for %s\n", id)

	case "flatten":
		n, err := c.CancelAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("cancel requested for %d open orders\n", n)

	case "orphans":
		orphans, err := c.Orphans(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, headerStyle.Render("ORDER\tSYMBOL\tSTATE\tRESOLUTION\tAT\tREASON"))
		for _, o := range orphans {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", o.OrderID, o.Symbol, o.State, o.Resolution, o.At.Format(time.RFC3339), o.Reason)
		}
		return w.Flush()

	case "stats":
		s, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("events %d  decisions %d (degraded %d)  orders %d  rejected %d (risk %d)  skipped %d\n",
			s.Events, s.Decisions, s.Degraded, s.Orders, s.Rejected, s.RiskRejected, s.Skipped)

	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}

func printPortfolio(p gtmclient.Portfolio) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("SYMBOL\tQTY\tAVG COST\tLAST\tUNREALIZED"))
	for _, pos := range p.Ledger.Positions {
		last := p.Prices[pos.Symbol]
		pnl := last.Sub(pos.AvgCost).Mul(pos.Qty)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", pos.Symbol, pos.Qty, pos.AvgCost.StringFixed(2), last.StringFixed(2), signed(pnl))
	}
	w.Flush()

	fmt.Println()
	fmt.Printf("Cash:        %s\n", p.Ledger.Cash.StringFixed(2))
	fmt.Printf("Equity:      %s\n", p.Equity.StringFixed(2))
	fmt.Printf("Realized:    %s (fees %s)\n", signed(p.Ledger.RealizedPnL), p.Ledger.Fees.StringFixed(2))
	fmt.Printf("Unrealized:  %s\n", signed(p.Unrealized))
	fmt.Println(dimStyle.Render("as of " + p.At.Format(time.RFC3339)))
}

func printOrders(orders []gtmclient.Order) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, headerStyle.Render("ID\tSYMBOL\tSIDE\tQTY\tFILLED\tAVG PRICE\tSTATE\tUPDATED"))
	for _, o := range orders {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.ID, o.Symbol, strings.ToUpper(o.Side), o.Qty, o.FilledQty, o.AvgFillPrice.StringFixed(2), o.State,
			o.UpdatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func signed(v decimal.Decimal) string {
	s := v.StringFixed(2)
	switch v.Sign() {
	case 1:
		return gainStyle.Render("+" + s)
	case -1:
		return lossStyle.Render(s)
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
