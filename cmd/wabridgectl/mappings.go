package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/api"
)

var groupsCommand = &cli.Command{
	Name:  "groups",
	Usage: "List joined groups",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "refresh", Usage: "fetch the group list from WhatsApp first"},
	},
	Action: func(ctx *cli.Context) error {
		c := getClient(ctx)
		cctx, cancel := callContext(ctx)
		defer cancel()

		var (
			resp *api.GroupsResponse
			err  error
		)
		if ctx.Bool("refresh") {
			resp, err = c.RefreshGroups(cctx)
		} else {
			resp, err = c.ListGroups(cctx)
		}
		if err != nil {
			return err
		}
		if ctx.Bool("json") || !resp.Success {
			return report(ctx, resp.Result, resp)
		}
		if len(resp.Groups) == 0 {
			fmt.Println("No groups cached. Try --refresh.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tMEMBERS")
		for _, g := range resp.Groups {
			fmt.Fprintf(w, "%s\t%s\t%d\n", g.ID, g.Name, g.ParticipantCount)
		}
		return w.Flush()
	},
}

var mappingsCommand = &cli.Command{
	Name:    "mappings",
	Aliases: []string{"map"},
	Usage:   "Manage group mappings",
	Subcommands: []*cli.Command{
		{
			Name:   "list",
			Usage:  "List mappings",
			Action: cmdMappingsList,
		},
		{
			Name:      "add",
			Usage:     "Relay messages from SOURCE to TARGET",
			ArgsUsage: "SOURCE TARGET",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "bidirectional", Aliases: []string{"b"}, Usage: "also relay TARGET to SOURCE"},
			},
			Action: cmdMappingsAdd,
		},
		{
			Name:      "toggle",
			Usage:     "Pause or resume a mapping",
			ArgsUsage: "ID",
			Action: func(ctx *cli.Context) error {
				id, err := mappingArg(ctx)
				if err != nil {
					return err
				}
				cctx, cancel := callContext(ctx)
				defer cancel()
				resp, err := getClient(ctx).ToggleMappingActive(cctx, id)
				if err != nil {
					return err
				}
				return reportMapping(ctx, resp)
			},
		},
		{
			Name:      "direction",
			Usage:     "Set a mapping to one-way (uni) or two-way (bi)",
			ArgsUsage: "ID uni|bi",
			Action: func(ctx *cli.Context) error {
				id, err := mappingArg(ctx)
				if err != nil {
					return err
				}
				var bidirectional bool
				switch ctx.Args().Get(1) {
				case "uni":
				case "bi":
					bidirectional = true
				default:
					return fmt.Errorf("direction must be uni or bi")
				}
				cctx, cancel := callContext(ctx)
				defer cancel()
				resp, err := getClient(ctx).SetMappingDirection(cctx, id, bidirectional)
				if err != nil {
					return err
				}
				return reportMapping(ctx, resp)
			},
		},
		{
			Name:      "delete",
			Usage:     "Delete a mapping and its cursors",
			ArgsUsage: "ID",
			Action: func(ctx *cli.Context) error {
				id, err := mappingArg(ctx)
				if err != nil {
					return err
				}
				cctx, cancel := callContext(ctx)
				defer cancel()
				res, err := getClient(ctx).DeleteMapping(cctx, id)
				if err != nil {
					return err
				}
				return report(ctx, *res, res)
			},
		},
	},
}

func cmdMappingsList(ctx *cli.Context) error {
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).ListMappings(cctx)
	if err != nil {
		return err
	}
	if ctx.Bool("json") || !resp.Success {
		return report(ctx, resp.Result, resp)
	}
	if len(resp.Mappings) == 0 {
		fmt.Println("No mappings.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\t\tTARGET\tACTIVE")
	for _, m := range resp.Mappings {
		arrow := "->"
		if m.Bidirectional {
			arrow = "<->"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\n", m.ID, groupLabel(m.SourceGroupName, m.SourceGroupID), arrow, groupLabel(m.TargetGroupName, m.TargetGroupID), m.Active)
	}
	return w.Flush()
}

func cmdMappingsAdd(ctx *cli.Context) error {
	if ctx.NArg() != 2 {
		return fmt.Errorf("usage: wabridgectl mappings add SOURCE TARGET")
	}
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).AddMapping(cctx, &api.AddMappingRequest{
		SourceGroupID: ctx.Args().Get(0),
		TargetGroupID: ctx.Args().Get(1),
		Bidirectional: ctx.Bool("bidirectional"),
	})
	if err != nil {
		return err
	}
	return reportMapping(ctx, resp)
}

func reportMapping(ctx *cli.Context, resp *api.MappingResponse) error {
	if err := report(ctx, resp.Result, resp); err != nil {
		return err
	}
	if m := resp.Mapping; m != nil && !ctx.Bool("json") {
		fmt.Printf("  #%d %s -> %s bidirectional=%v active=%v\n", m.ID,
			groupLabel(m.SourceGroupName, m.SourceGroupID), groupLabel(m.TargetGroupName, m.TargetGroupID),
			m.Bidirectional, m.Active)
	}
	return nil
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "Show cursors and forwarded message counts per mapping",
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		resp, err := getClient(ctx).GetSyncStats(cctx)
		if err != nil {
			return err
		}
		if ctx.Bool("json") || !resp.Success {
			return report(ctx, resp.Result, resp)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDIRECTION\tFROM\tTO\tFORWARDED\tCURSOR")
		for _, s := range resp.Stats {
			m := s.Mapping
			fmt.Fprintf(w, "%d\tforward\t%s\t%s\t%d\t%s\n", m.ID,
				groupLabel(m.SourceGroupName, m.SourceGroupID), groupLabel(m.TargetGroupName, m.TargetGroupID),
				s.Forward.MsgCount, formatTime(s.Forward.CursorTs*1000))
			if s.Reverse != nil {
				fmt.Fprintf(w, "%d\treverse\t%s\t%s\t%d\t%s\n", m.ID,
					groupLabel(m.TargetGroupName, m.TargetGroupID), groupLabel(m.SourceGroupName, m.SourceGroupID),
					s.Reverse.MsgCount, formatTime(s.Reverse.CursorTs*1000))
			}
		}
		return w.Flush()
	},
}

func mappingArg(ctx *cli.Context) (int64, error) {
	id, err := strconv.ParseInt(ctx.Args().First(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid mapping id %q", ctx.Args().First())
	}
	return id, nil
}

func groupLabel(name, id string) string {
	if name == "" {
		return id
	}
	return truncate(name, 32)
}
