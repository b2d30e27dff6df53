package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ibkrmcp/internal/domain"
	"ibkrmcp/internal/store"
	"ibkrmcp/pkg/ibkrmcp"
)

const version = "0.1.0"

func main() {
	defaultURL := "http://localhost:8080"
	if u := os.Getenv("IBKR_MCP_URL"); u != "" {
		defaultURL = u
	}
	defaultDataDir := "data"
	if d := os.Getenv("DATA_DIR"); d != "" {
		defaultDataDir = d
	}

	serverURL := flag.String("server", defaultURL, "server base URL")
	dataDir := flag.String("data-dir", defaultDataDir, "bar archive directory for archive")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ibkr-mcp-cli [options] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                            Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  health                             Show server liveness\n")
		fmt.Fprintf(os.Stderr, "  status                             Show broker connection status\n")
		fmt.Fprintf(os.Stderr, "  tools                              List available tools\n")
		fmt.Fprintf(os.Stderr, "  call <tool> [json-args]            Invoke a tool\n")
		fmt.Fprintf(os.Stderr, "  archive <symbol> [duration] [size] Fetch bars and append them to the archive\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := ibkrmcp.NewClient(*serverURL)

	var err error
	switch args[0] {
	case "version":
		fmt.Printf("ibkr-mcp-cli %s\n", version)

	case "health":
		var h *ibkrmcp.Health
		if h, err = client.Health(ctx); err == nil {
			printJSON(h)
		}

	case "status":
		var st *ibkrmcp.Status
		if st, err = client.Status(ctx); err == nil {
			printJSON(st)
		}

	case "tools":
		var list []ibkrmcp.Tool
		if list, err = client.ListTools(ctx); err == nil {
			for _, t := range list {
				fmt.Printf("%-22s %s\n", t.Name, t.Description)
			}
		}

	case "call":
		err = callTool(ctx, client, args[1:])

	case "archive":
		err = archive(ctx, client, store.NewParquetStore(*dataDir), args[1:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func callTool(ctx context.Context, client *ibkrmcp.Client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("call requires a tool name")
	}
	var params any
	if len(args) > 1 {
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			return fmt.Errorf("arguments are not valid JSON: %s", args[1])
		}
		params = raw
	}

	res, err := client.CallTool(ctx, args[0], params)
	if err != nil {
		return err
	}
	printJSON(res)
	if !res.Success {
		os.Exit(2)
	}
	return nil
}

func archive(ctx context.Context, client *ibkrmcp.Client, bars *store.ParquetStore, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("archive requires a symbol")
	}
	params := map[string]any{"symbol": args[0]}
	if len(args) > 1 {
		params["duration"] = args[1]
	}
	if len(args) > 2 {
		params["bar_size"] = args[2]
	}

	res, err := client.CallTool(ctx, "get_historical_data", params)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("get_historical_data: %s", res.Error)
	}

	var got []domain.Bar
	if err := json.Unmarshal(res.Data, &got); err != nil {
		return fmt.Errorf("decoding bars: %w", err)
	}
	if err := bars.WriteBars(ctx, args[0], got); err != nil {
		return err
	}
	fmt.Printf("archived %d bars for %s under %s\n", len(got), args[0], bars.DataDir)
	return nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding output: %v\n", err)
		return
	}
	fmt.Println(string(data))
}
