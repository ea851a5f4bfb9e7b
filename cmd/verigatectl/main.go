// verigatectl is the operator CLI for a verigate deployment.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	_ "time/tzdata"

	"github.com/urfave/cli/v2"

	"github.com/mbd888/verigate/internal/config"
	"github.com/mbd888/verigate/internal/mcpserver"
	"github.com/mbd888/verigate/internal/server"
	"github.com/mbd888/verigate/internal/session"
)

var (
	app       *cli.App
	gitCommit string
)

var (
	apiURLFlag = &cli.StringFlag{
		Name:    "api-url",
		Usage:   "verigate base URL",
		Value:   "http://localhost:8080",
		EnvVars: []string{"VERIGATE_API_URL"},
	}
	serviceKeyFlag = &cli.StringFlag{
		Name:    "service-key",
		Usage:   "service API key sent as X-Service-Key",
		EnvVars: []string{"VERIGATE_SERVICE_KEY"},
	}
	hoursFlag = &cli.IntFlag{
		Name:  "hours",
		Usage: "stats window in hours",
		Value: 24,
	}
)

func init() {
	app = cli.NewApp()
	app.Name = "verigatectl"
	app.EnableBashCompletion = true
	app.Usage = "inspect and operate a verigate deployment"
	app.Flags = []cli.Flag{apiURLFlag, serviceKeyFlag}
	app.Commands = []*cli.Command{
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				fmt.Fprintln(ctx.App.Writer, versionString())
				return nil
			},
		},
		{
			Name:  "config",
			Usage: "configuration commands",
			Subcommands: []*cli.Command{
				{
					Name:   "check",
					Usage:  "load configuration from the environment and validate it",
					Action: configCheck,
				},
			},
		},
		{
			Name:  "token",
			Usage: "session token commands",
			Subcommands: []*cli.Command{
				{
					Name:      "issue",
					Usage:     "open a session through the API and print its token pair",
					ArgsUsage: "<identity-id>",
					Flags: []cli.Flag{
						&cli.StringFlag{Name: "kind", Value: "user", Usage: "identity kind"},
						&cli.StringSliceFlag{Name: "permission", Usage: "granted permission (repeatable)"},
					},
					Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) {
						id := strings.TrimSpace(ctx.Args().First())
						if id == "" {
							return nil, cli.Exit("identity id is required", 2)
						}
						return c.OpenSession(ctx.Context, id, ctx.String("kind"), ctx.StringSlice("permission"))
					}),
				},
				{
					Name:      "inspect",
					Usage:     "verify an access token with TOKEN_SECRET and print its claims",
					ArgsUsage: "<token>",
					Action:    tokenInspect,
				},
			},
		},
		{
			Name:   "status",
			Usage:  "show verification status and configuration",
			Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) { return c.Status(ctx.Context) }),
		},
		{
			Name:  "stats",
			Usage: "risk, threat and session statistics",
			Subcommands: []*cli.Command{
				{
					Name:  "risk",
					Flags: []cli.Flag{hoursFlag},
					Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) {
						return c.RiskScoreStats(ctx.Context, ctx.Int(hoursFlag.Name))
					}),
				},
				{
					Name:  "threats",
					Flags: []cli.Flag{hoursFlag},
					Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) {
						return c.ThreatStats(ctx.Context, ctx.Int(hoursFlag.Name))
					}),
				},
				{
					Name: "sessions",
					Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) {
						return c.SessionStats(ctx.Context)
					}),
				},
			},
		},
		{
			Name:      "session",
			Usage:     "show live risk for one session",
			ArgsUsage: "<session-id>",
			Action: remote(func(ctx *cli.Context, c *mcpserver.Client) (json.RawMessage, error) {
				id := strings.TrimSpace(ctx.Args().First())
				if id == "" {
					return nil, cli.Exit("session id is required", 2)
				}
				return c.SessionRisk(ctx.Context, id)
			}),
		},
	}
}

func versionString() string {
	if gitCommit == "" {
		return server.Version
	}
	return server.Version + "-" + gitCommit
}

func configCheck(ctx *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration:\n%v", err), 1)
	}
	v := cfg.Verification
	w := ctx.App.Writer
	fmt.Fprintf(w, "env:             %s\n", cfg.Env)
	fmt.Fprintf(w, "postgres:        %t\n", cfg.DatabaseURL != "")
	fmt.Fprintf(w, "redis:           %t\n", cfg.RedisURL != "")
	fmt.Fprintf(w, "verification:    enabled=%t mode=%s monitoring_only=%t\n", v.Enabled, v.Mode, v.MonitoringOnly)
	fmt.Fprintf(w, "thresholds:      %d/%d/%d/%d\n", v.Thresholds.Low, v.Thresholds.Medium, v.Thresholds.High, v.Thresholds.Extreme)
	fmt.Fprintf(w, "retention:       %s\n", cfg.Retention)
	fmt.Fprintln(w, "configuration OK")
	return nil
}

func tokenInspect(ctx *cli.Context) error {
	raw := strings.TrimSpace(ctx.Args().First())
	if raw == "" {
		return cli.Exit("token is required", 2)
	}
	cfg, err := config.Load()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration:\n%v", err), 1)
	}
	tokens, err := session.NewTokens(session.TokenConfig{
		Secret:     []byte(cfg.TokenSecret),
		AccessTTL:  cfg.AccessTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	if err != nil {
		return err
	}
	claims, err := tokens.ParseAccess(raw)
	if err != nil {
		return cli.Exit(fmt.Sprintf("token rejected: %v", err), 1)
	}
	return printJSON(ctx, claims)
}

func remote(fetch func(*cli.Context, *mcpserver.Client) (json.RawMessage, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		client := mcpserver.NewClient(mcpserver.Config{
			APIURL:     ctx.String(apiURLFlag.Name),
			ServiceKey: ctx.String(serviceKeyFlag.Name),
		})
		body, err := fetch(ctx, client)
		if err != nil {
			return err
		}
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		fmt.Fprintln(ctx.App.Writer, out.String())
		return nil
	}
}

func printJSON(ctx *cli.Context, v any) error {
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
