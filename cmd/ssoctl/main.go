// Command ssoctl administers the authorization server's store: bootstrap
// clients and users, list accounts, rotate signing keys and revoke consent.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ssoctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ssoctl",
		Usage: "administer the dealer-sso authorization server store",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store",
				Usage:   "store backend: file or postgres",
				Value:   "file",
				EnvVars: []string{"IDP_STORE"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "file store directory",
				Value:   "./data",
				EnvVars: []string{"IDP_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection URL",
				EnvVars: []string{"IDP_DATABASE_URL"},
			},
		},
		Commands: []*cli.Command{
			seedCommand,
			usersCommand,
			clientsCommand,
			keysCommand,
			consentCommand,
			hashPasswordCommand,
		},
	}
}
