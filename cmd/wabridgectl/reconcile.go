package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/api"
)

func directionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "direction",
		Aliases: []string{"d"},
		Usage:   "forward or reverse",
		Value:   "forward",
	}
}

var reconcileCommand = &cli.Command{
	Name:    "reconcile",
	Aliases: []string{"rc"},
	Usage:   "Review and relay messages missed while the bridge was offline",
	Subcommands: []*cli.Command{
		{
			Name:   "summary",
			Usage:  "Count missed messages per mapping direction",
			Action: cmdSummary,
		},
		{
			Name:      "fetch",
			Usage:     "List missed messages of a mapping",
			ArgsUsage: "ID",
			Flags: []cli.Flag{
				directionFlag(),
				&cli.IntFlag{Name: "limit", Usage: "page size (default from daemon config)"},
			},
			Action: func(ctx *cli.Context) error {
				return cmdFetch(ctx, false)
			},
		},
		{
			Name:      "more",
			Usage:     "Widen the last fetch by one page",
			ArgsUsage: "ID",
			Flags: []cli.Flag{
				directionFlag(),
				&cli.IntFlag{Name: "shown", Usage: "messages already listed by the previous fetch"},
			},
			Action: func(ctx *cli.Context) error {
				return cmdFetch(ctx, true)
			},
		},
		{
			Name:      "sync",
			Usage:     "Relay fetched messages and advance the cursor",
			ArgsUsage: "ID MSG_ID...",
			Flags:     []cli.Flag{directionFlag()},
			Action:    cmdSync,
		},
		{
			Name:      "ignore",
			Usage:     "Skip fetched messages and advance the cursor",
			ArgsUsage: "ID MSG_ID...",
			Flags:     []cli.Flag{directionFlag()},
			Action:    cmdIgnore,
		},
	},
}

func cmdSummary(ctx *cli.Context) error {
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).GetReconcileSummary(cctx)
	if err != nil {
		return err
	}
	if ctx.Bool("json") || !resp.Success {
		return report(ctx, resp.Result, resp)
	}
	if len(resp.Items) == 0 {
		fmt.Println("Nothing missed.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tFROM\tTO\tMISSED")
	for _, it := range resp.Items {
		missed := fmt.Sprintf("%d", it.MissedCount)
		if it.HasMore {
			missed += "+"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", it.MappingID, it.Direction,
			groupLabel(it.FromName, it.FromGroup), groupLabel(it.ToName, it.ToGroup), missed)
	}
	return w.Flush()
}

func cmdFetch(ctx *cli.Context, more bool) error {
	id, err := mappingArg(ctx)
	if err != nil {
		return err
	}
	req := &api.FetchRequest{MappingID: id, Direction: ctx.String("direction"), Limit: ctx.Int("limit")}
	if more {
		req.Limit = ctx.Int("shown")
	}
	cctx, cancel := callContext(ctx)
	defer cancel()

	var resp *api.FetchResponse
	if more {
		resp, err = getClient(ctx).FetchMoreMissedMessages(cctx, req)
	} else {
		resp, err = getClient(ctx).FetchMissedMessages(cctx, req)
	}
	if err != nil {
		return err
	}
	if ctx.Bool("json") || !resp.Success {
		return report(ctx, resp.Result, resp)
	}
	if len(resp.Messages) == 0 {
		fmt.Println("No missed messages.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MSG ID\tTIME\tSENDER\tMESSAGE")
	for _, m := range resp.Messages {
		body := m.Body
		if body == "" {
			body = "[" + m.Type + "]"
		} else if m.HasMedia {
			body = "[" + m.Type + "] " + body
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.ID, formatTime(m.Timestamp*1000), senderLabel(m.SenderName, m.SenderPhone), truncate(body, 60))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if resp.HasMore {
		fmt.Printf("\nMore messages available: wabridgectl reconcile more -d %s --shown %d %d\n", resp.Direction, len(resp.Messages), id)
	}
	return nil
}

func selection(ctx *cli.Context) (*api.SelectRequest, error) {
	id, err := mappingArg(ctx)
	if err != nil {
		return nil, err
	}
	ids := ctx.Args().Slice()[1:]
	if len(ids) == 0 {
		return nil, fmt.Errorf("no message ids given")
	}
	return &api.SelectRequest{MappingID: id, Direction: ctx.String("direction"), MessageIDs: ids}, nil
}

func cmdSync(ctx *cli.Context) error {
	req, err := selection(ctx)
	if err != nil {
		return err
	}
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).SyncMessages(cctx, req)
	if err != nil {
		return err
	}
	if err := report(ctx, resp.Result, resp); err != nil {
		return err
	}
	if !ctx.Bool("json") {
		fmt.Printf("  cursor now %s\n", formatTime(resp.CursorTs*1000))
	}
	return nil
}

func cmdIgnore(ctx *cli.Context) error {
	req, err := selection(ctx)
	if err != nil {
		return err
	}
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).IgnoreMessages(cctx, req)
	if err != nil {
		return err
	}
	if err := report(ctx, resp.Result, resp); err != nil {
		return err
	}
	if !ctx.Bool("json") {
		fmt.Printf("  cursor now %s\n", formatTime(resp.CursorTs*1000))
	}
	return nil
}

func senderLabel(name, phone string) string {
	switch {
	case name != "" && phone != "":
		return truncate(name, 20) + " (" + phone + ")"
	case name != "":
		return truncate(name, 20)
	case phone != "":
		return phone
	default:
		return "Unknown"
	}
}
