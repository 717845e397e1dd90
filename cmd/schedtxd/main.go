package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"schedtx/internal/app"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	configFlag := cli.StringFlag{
		Name:   "config, c",
		Usage:  "path to the config file (yaml or json)",
		Value:  "./config.yaml",
		EnvVar: "SCHEDTX_CONFIG",
	}
	return &cli.App{
		Name:      "schedtxd",
		HelpName:  "schedtxd",
		Usage:     "deferred transaction scheduler",
		UsageText: "schedtxd <command> [arguments...]",
		Version:   version,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the scheduler daemon",
				Action: run,
				Flags: []cli.Flag{
					configFlag,
					cli.BoolFlag{Name: "notify", Usage: "send sd_notify readiness and stopping messages"},
				},
			},
			{
				Name:   "inspect",
				Usage:  "print the persisted queue without starting the daemon",
				Action: inspect,
				Flags: []cli.Flag{
					configFlag,
					cli.IntFlag{Name: "limit, n", Usage: "number of keys to list", Value: 20},
				},
			},
			{
				Name:  "version",
				Usage: "print the build version",
				Action: func(*cli.Context) error {
					fmt.Println(version)
					return nil
				},
			},
			{
				Name:   "keygen",
				Usage:  "print a random account address and RPC token",
				Action: keygen,
			},
		},
	}
}

func run(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(c.String("config"), app.WithNotify(c.Bool("notify")))
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

type inspectOut struct {
	Restored bool     `json:"restored"`
	Stats    any      `json:"stats"`
	Keys     []string `json:"keys"`
}

func inspect(c *cli.Context) error {
	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

	out := inspectOut{Restored: a.Restored(), Stats: a.Engine().Stats()}
	for _, k := range a.Engine().Keys(c.Int("limit"), nil) {
		out.Keys = append(out.Keys, k.String())
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func keygen(*cli.Context) error {
	var addr [32]byte
	tok := make([]byte, 24)
	if _, err := rand.Read(addr[:]); err != nil {
		return err
	}
	if _, err := rand.Read(tok); err != nil {
		return err
	}
	fmt.Printf("address: 0x%s\ntoken:   %s\n", hex.EncodeToString(addr[:]), base64.RawURLEncoding.EncodeToString(tok))
	return nil
}
