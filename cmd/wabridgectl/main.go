package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/api"
	"github.com/matheus3301/wabridge/internal/client"
	"github.com/matheus3301/wabridge/internal/session"
)

type contextKey int

const contextKeyClient contextKey = iota

func getClient(ctx *cli.Context) *client.Client {
	return ctx.Context.Value(contextKeyClient).(*client.Client)
}

// prepareClient resolves the session and dials its daemon.
func prepareClient(ctx *cli.Context) error {
	name, err := session.Resolve(ctx.String("session"))
	if err != nil {
		return err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	ctx.Context = context.WithValue(ctx.Context, contextKeyClient, c)
	return nil
}

func closeClient(ctx *cli.Context) error {
	if c, ok := ctx.Context.Value(contextKeyClient).(*client.Client); ok {
		return c.Close()
	}
	return nil
}

// callContext bounds one unary call by the --timeout flag.
func callContext(ctx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
}

func main() {
	app := &cli.App{
		Name:  "wabridgectl",
		Usage: "Control a running wabridge daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "session",
				Usage: "session name (overrides config default)",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "output in JSON format",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "timeout for each daemon call",
				Value: 30 * time.Second,
			},
		},
		Before: prepareClient,
		After:  closeClient,
		Commands: []*cli.Command{
			statusCommand,
			qrCommand,
			restartCommand,
			logoutCommand,
			accountCommand,
			groupsCommand,
			mappingsCommand,
			statsCommand,
			reconcileCommand,
			eventsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

// report prints a result and turns a failed one into an error so the exit
// code reflects it.
func report(ctx *cli.Context, res api.Result, full any) error {
	if ctx.Bool("json") {
		outputJSON(full)
	} else if res.Message != "" && res.Success {
		fmt.Println(res.Message)
	}
	if len(res.Errors) > 0 && !ctx.Bool("json") {
		for _, e := range res.Errors {
			fmt.Fprintf(os.Stderr, "  %s\n", e)
		}
	}
	if !res.Success {
		if res.Message == "" {
			return errors.New("request failed")
		}
		return errors.New(res.Message)
	}
	return nil
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
