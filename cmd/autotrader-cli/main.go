// Command autotrader-cli is the operator command line for the autotrader
// daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"autotrader/internal/api"
	"autotrader/internal/domain"
	"autotrader/pkg/autotrader"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: autotrader-cli [-addr URL] [-grpc HOST:PORT] <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                         Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health                          Check the daemon is up\n")
	fmt.Fprintf(os.Stderr, "  accounts                        List broker accounts\n")
	fmt.Fprintf(os.Stderr, "  list [-status S]                List strategies\n")
	fmt.Fprintf(os.Stderr, "  get ID                          Show a strategy\n")
	fmt.Fprintf(os.Stderr, "  create -name N -code C ...      Register a strategy\n")
	fmt.Fprintf(os.Stderr, "  update ID [-params JSON] ...    Edit a strategy\n")
	fmt.Fprintf(os.Stderr, "  delete ID                       Delete a strategy and its history\n")
	fmt.Fprintf(os.Stderr, "  activate ID | deactivate ID     Change strategy status\n")
	fmt.Fprintf(os.Stderr, "  run ID                          Run one strategy now\n")
	fmt.Fprintf(os.Stderr, "  run-all                         Run every active strategy now\n")
	fmt.Fprintf(os.Stderr, "  snapshots ID [-limit N]         List snapshots of a strategy\n")
	fmt.Fprintf(os.Stderr, "  snapshot ID                     Show a snapshot with its orders\n")
	fmt.Fprintf(os.Stderr, "  manual ID JSON                  Record a manual snapshot\n")
	fmt.Fprintf(os.Stderr, "  edit-snapshot ID JSON           Replace a manual snapshot's progress\n")
	fmt.Fprintf(os.Stderr, "  delete-snapshot ID              Delete a manual snapshot\n")
	fmt.Fprintf(os.Stderr, "  orders [-date YYYY-MM-DD]       List orders of a day\n")
	fmt.Fprintf(os.Stderr, "  edit-order ID [-status S] ...   Edit an order\n")
	fmt.Fprintf(os.Stderr, "  delete-order ID                 Delete an order\n")
	fmt.Fprintf(os.Stderr, "  watch                           Follow run results live\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	defaultAddr := "http://127.0.0.1:8080"
	if v := os.Getenv("AUTOTRADER_ADDR"); v != "" {
		defaultAddr = v
	}
	addr := flag.String("addr", defaultAddr, "daemon HTTP address")
	grpcAddr := flag.String("grpc", "", "daemon gRPC address; run, run-all and list use it when set")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	c := &cli{addr: *addr, http: autotrader.NewClient(*addr)}
	if *grpcAddr != "" {
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			fatalf("connecting to %s: %v", *grpcAddr, err)
		}
		defer conn.Close()
		c.grpc = api.NewOperatorClient(conn)
	}

	if err := c.dispatch(ctx, args[0], args[1:]); err != nil {
		fatalf("%s: %v", args[0], err)
	}
}

type cli struct {
	addr string
	http *autotrader.Client
	grpc *api.OperatorClient
}

func (c *cli) dispatch(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "version":
		fmt.Printf("autotrader-cli %s\n", version)
		return nil

	case "health":
		if err := c.http.Health(ctx); err != nil {
			return err
		}
		fmt.Println("ok")
		return nil

	case "accounts":
		return printResult(c.http.Accounts(ctx))

	case "list":
		fs := flag.NewFlagSet("list", flag.ExitOnError)
		status := fs.String("status", "", "ACTIVE or INACTIVE")
		_ = fs.Parse(args)
		st := domain.StrategyStatus(*status)
		if c.grpc != nil {
			return printResult(c.grpc.ListStrategies(ctx, st))
		}
		return printResult(c.http.ListStrategies(ctx, st))

	case "get":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return printResult(c.http.GetStrategy(ctx, id))

	case "create":
		req, err := strategyFlags("create", args)
		if err != nil {
			return err
		}
		return printResult(c.http.CreateStrategy(ctx, req))

	case "update":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		req, err := strategyFlags("update", args[1:])
		if err != nil {
			return err
		}
		return printResult(c.http.UpdateStrategy(ctx, id, req))

	case "delete":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return c.http.DeleteStrategy(ctx, id)

	case "activate", "deactivate":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return printResult(c.http.SetActive(ctx, id, cmd == "activate"))

	case "run":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		if c.grpc != nil {
			return printResult(c.grpc.RunStrategy(ctx, id))
		}
		return printResult(c.http.Run(ctx, id))

	case "run-all":
		if c.grpc != nil {
			return printResult(c.grpc.RunAll(ctx))
		}
		return printResult(c.http.RunAll(ctx))

	case "snapshots":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
		limit := fs.Int("limit", 10, "maximum snapshots, 0 for all")
		_ = fs.Parse(args[1:])
		return printResult(c.http.ListSnapshots(ctx, id, *limit))

	case "snapshot":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return printResult(c.http.GetSnapshot(ctx, id))

	case "manual", "edit-snapshot":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		if len(args) < 2 || !json.Valid([]byte(args[1])) {
			return fmt.Errorf("progress must be a JSON document")
		}
		if cmd == "manual" {
			return printResult(c.http.CreateManualSnapshot(ctx, id, json.RawMessage(args[1])))
		}
		return printResult(c.http.UpdateManualSnapshot(ctx, id, json.RawMessage(args[1])))

	case "delete-snapshot":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return c.http.DeleteSnapshot(ctx, id)

	case "orders":
		fs := flag.NewFlagSet("orders", flag.ExitOnError)
		date := fs.String("date", time.Now().UTC().Format("2006-01-02"), "UTC day")
		_ = fs.Parse(args)
		day, err := time.Parse("2006-01-02", *date)
		if err != nil {
			return err
		}
		return printResult(c.http.OrdersOn(ctx, day))

	case "edit-order":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		u, err := orderFlags(args[1:])
		if err != nil {
			return err
		}
		return printResult(c.http.UpdateOrder(ctx, id, u))

	case "delete-order":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return c.http.DeleteOrder(ctx, id)

	case "watch":
		return watch(context.WithoutCancel(ctx), c.addr)
	}

	usage()
	return fmt.Errorf("unknown command")
}

func strategyFlags(name string, args []string) (autotrader.StrategyRequest, error) {
	var req autotrader.StrategyRequest
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&req.Name, "name", "", "unique strategy name")
	code := fs.String("code", "", "VR or InfBuy")
	fs.StringVar(&req.Account, "account", "", "broker account")
	fs.StringVar(&req.Symbol, "symbol", "", "ticker")
	exchange := fs.String("exchange", "", "NYSE, NASDAQ, AMEX or KRX")
	params := fs.String("params", "", "parameters as JSON")
	status := fs.String("status", "", "ACTIVE or INACTIVE")
	fs.StringVar(&req.Description, "desc", "", "description")
	_ = fs.Parse(args)

	req.Code = domain.StrategyCode(*code)
	req.Exchange = domain.Exchange(*exchange)
	req.Status = domain.StrategyStatus(*status)
	if *params != "" {
		if !json.Valid([]byte(*params)) {
			return req, fmt.Errorf("-params is not valid JSON")
		}
		req.Params = json.RawMessage(*params)
	}
	return req, nil
}

func orderFlags(args []string) (autotrader.OrderUpdate, error) {
	var u autotrader.OrderUpdate
	fs := flag.NewFlagSet("edit-order", flag.ExitOnError)
	status := fs.String("status", "", "new order status")
	filledQty := fs.String("filled-qty", "", "filled quantity")
	filledPrice := fs.String("filled-price", "", "average fill price")
	tag := fs.String("tag", "", "classification tag")
	_ = fs.Parse(args)

	if *status != "" {
		s := domain.OrderStatus(*status)
		u.Status = &s
	}
	for _, f := range []struct {
		raw string
		dst **float64
	}{{*filledQty, &u.FilledQty}, {*filledPrice, &u.FilledPrice}} {
		if f.raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(f.raw, 64)
		if err != nil {
			return u, err
		}
		*f.dst = &v
	}
	if *tag != "" {
		u.Tag = tag
	}
	return u, nil
}

func parseID(args []string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("missing ID")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ID %q", args[0])
	}
	return id, nil
}

func printResult[T any](v T, err error) error {
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
