package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/api"
	"github.com/matheus3301/wabridge/internal/bus"
	"github.com/matheus3301/wabridge/internal/client"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Show connection state",
	Action: cmdStatus,
}

func cmdStatus(ctx *cli.Context) error {
	cctx, cancel := callContext(ctx)
	defer cancel()
	resp, err := getClient(ctx).GetState(cctx)
	if err != nil {
		return err
	}
	if ctx.Bool("json") {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	fmt.Printf("State:    %s\n", resp.State)
	if resp.AccountID != "" {
		fmt.Printf("Account:  %s\n", resp.AccountID)
	}
	fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Archived: %d messages\n", resp.ArchivedMessages)
	if resp.PairingArtifact != "" {
		fmt.Println("Pairing:  QR code available, run 'wabridgectl qr'")
	}
	if resp.PendingAccountReset {
		fmt.Println("\nThe linked account changed. Run 'wabridgectl account confirm' to wipe")
		fmt.Println("mappings and cursors, or 'wabridgectl account dismiss' to keep them.")
	}
	return nil
}

var qrCommand = &cli.Command{
	Name:  "qr",
	Usage: "Show the pairing QR code, waiting for new codes until paired",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "once", Usage: "print the current code and exit"},
	},
	Action: cmdQR,
}

func cmdQR(ctx *cli.Context) error {
	c := getClient(ctx)
	cctx, cancel := callContext(ctx)
	state, err := c.GetState(cctx)
	cancel()
	if err != nil {
		return err
	}
	if state.State == "ready" {
		fmt.Println("Already paired.")
		return nil
	}
	if state.PairingArtifact != "" {
		if err := printQR(state.PairingArtifact); err != nil {
			return err
		}
	}
	if ctx.Bool("once") {
		if state.PairingArtifact == "" {
			return errors.New("no pairing code available, is the daemon connecting?")
		}
		return nil
	}

	stream, err := c.WatchEvents(ctx.Context, &api.WatchEventsRequest{Prefixes: []string{bus.KindPairing, bus.KindReady}})
	if err != nil {
		return err
	}
	fmt.Println("Waiting for pairing...")
	for {
		evt, err := stream.Recv()
		if err == io.EOF {
			return errors.New("daemon closed the stream")
		}
		if err != nil {
			return err
		}
		switch evt.Kind {
		case bus.KindReady:
			fmt.Println("Paired.")
			return nil
		case bus.KindPairing:
			var p struct {
				Code string `json:"code"`
			}
			if err := json.Unmarshal(evt.Payload, &p); err != nil || p.Code == "" {
				continue
			}
			if err := printQR(p.Code); err != nil {
				return err
			}
		}
	}
}

func printQR(code string) error {
	ascii, err := client.RenderQR(code)
	if err != nil {
		return fmt.Errorf("render QR: %w", err)
	}
	fmt.Printf("\nScan this QR code with WhatsApp (Linked devices):\n\n%s\n", ascii)
	return nil
}

var restartCommand = &cli.Command{
	Name:  "restart",
	Usage: "Tear down the chat client and connect again",
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		res, err := getClient(ctx).Restart(cctx)
		if err != nil {
			return err
		}
		return report(ctx, *res, res)
	},
}

var logoutCommand = &cli.Command{
	Name:  "logout",
	Usage: "Unlink this device from the WhatsApp account",
	Action: func(ctx *cli.Context) error {
		cctx, cancel := callContext(ctx)
		defer cancel()
		res, err := getClient(ctx).Logout(cctx)
		if err != nil {
			return err
		}
		return report(ctx, *res, res)
	},
}

var accountCommand = &cli.Command{
	Name:  "account",
	Usage: "Resolve a pending account change",
	Subcommands: []*cli.Command{
		{
			Name:  "confirm",
			Usage: "Wipe groups, mappings and cursors and adopt the new account",
			Action: func(ctx *cli.Context) error {
				cctx, cancel := callContext(ctx)
				defer cancel()
				resp, err := getClient(ctx).ConfirmAccountReset(cctx)
				if err != nil {
					return err
				}
				return report(ctx, resp.Result, resp)
			},
		},
		{
			Name:  "dismiss",
			Usage: "Adopt the new account and keep existing data",
			Action: func(ctx *cli.Context) error {
				cctx, cancel := callContext(ctx)
				defer cancel()
				res, err := getClient(ctx).DismissAccountReset(cctx)
				if err != nil {
					return err
				}
				return report(ctx, *res, res)
			},
		},
	},
}

var eventsCommand = &cli.Command{
	Name:  "events",
	Usage: "Stream daemon events",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "prefix", Usage: "only show event kinds starting with `PREFIX`"},
	},
	Action: func(ctx *cli.Context) error {
		stream, err := getClient(ctx).WatchEvents(ctx.Context, &api.WatchEventsRequest{Prefixes: ctx.StringSlice("prefix")})
		if err != nil {
			return err
		}
		for {
			evt, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if ctx.Bool("json") {
				outputJSON(evt)
				continue
			}
			fmt.Printf("%s  %-28s %s\n", time.UnixMilli(evt.OccurredAtUnixMs).Format("15:04:05.000"), evt.Kind, string(evt.Payload))
		}
	},
}
