package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"sbc-router/internal/auth"
	"sbc-router/internal/config"
	"sbc-router/internal/rbac"
	"sbc-router/internal/routing"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("sbc-router failed", "err", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "sbc-router",
		Usage: "SIP call routing core with resource admission control",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the router and its operator control surface",
				Action: runServe,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "codes-file",
						Usage:   "YAML codes translation table (overrides CODES_FILE)",
						Sources: cli.EnvVars("CODES_FILE"),
					},
					&cli.DurationFlag{
						Name:    "shutdown-timeout",
						Usage:   "how long live calls get to release their resources on shutdown",
						Value:   20 * time.Second,
						Sources: cli.EnvVars("SHUTDOWN_TIMEOUT"),
					},
				},
			},
			{
				Name:      "check-codes",
				Usage:     "validate a codes translation file and exit",
				ArgsUsage: "<file>",
				Action:    runCheckCodes,
			},
			{
				Name:   "issue-token",
				Usage:  "sign an operator access token for the control surface",
				Action: runIssueToken,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "operator", Usage: "operator id", Required: true},
					&cli.StringFlag{Name: "role", Usage: "admin, operator or viewer", Value: rbac.RoleViewer},
					&cli.DurationFlag{Name: "ttl", Usage: "token lifetime", Value: time.Hour},
					&cli.StringFlag{Name: "jwt-secret", Sources: cli.EnvVars("JWT_SECRET"), Required: true},
					&cli.StringFlag{Name: "jwt-issuer", Sources: cli.EnvVars("JWT_ISSUER")},
					&cli.StringFlag{Name: "jwt-audience", Sources: cli.EnvVars("JWT_AUDIENCE")},
				},
			},
		},
	}
}

func runCheckCodes(ctx context.Context, c *cli.Command) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("codes file path is required")
	}
	if _, err := routing.LoadTranslator(path); err != nil {
		return err
	}
	fmt.Fprintf(c.Root().Writer, "%s: ok\n", path)
	return nil
}

func runIssueToken(ctx context.Context, c *cli.Command) error {
	role := c.String("role")
	if !rbac.IsKnownRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:   c.String("jwt-secret"),
		JWTIssuer:   c.String("jwt-issuer"),
		JWTAudience: c.String("jwt-audience"),
	})
	if err != nil {
		return err
	}
	tok, err := m.IssueAccess(time.Now(), c.String("operator"), role, c.Duration("ttl"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Root().Writer, tok)
	return nil
}
