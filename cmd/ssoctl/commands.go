package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/tendant/dealer-sso/internal/auth"
	"github.com/tendant/dealer-sso/internal/bootstrap"
	"github.com/tendant/dealer-sso/internal/config"
	"github.com/tendant/dealer-sso/internal/crypto"
	"github.com/tendant/dealer-sso/internal/oidc"
	"github.com/tendant/dealer-sso/internal/store"
)

func openBackend(c *cli.Context) (bootstrap.Backend, error) {
	return bootstrap.Open(c.Context, c.String("store"), c.String("data-dir"), c.String("database-url"))
}

func quietLogger(c *cli.Context) *slog.Logger {
	return slog.New(slog.NewTextHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var seedCommand = &cli.Command{
	Name:  "seed",
	Usage: "create the users, roles and clients named in IDP_BOOTSTRAP_* if missing",
	Action: func(c *cli.Context) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		backend, err := openBackend(c)
		if err != nil {
			return err
		}
		defer backend.Close()

		logger := quietLogger(c)
		registry := oidc.NewClientRegistry(backend.Clients(), oidc.WithRegistryLogger(logger))
		res, err := bootstrap.Seed(c.Context, bootstrap.FromConfig(cfg), backend.Users(), registry, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "created %d users, %d clients\n", res.Users, res.Clients)
		return nil
	},
}

var usersCommand = &cli.Command{
	Name:  "users",
	Usage: "manage directory accounts",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Usage: "create an account",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "username", Required: true},
				&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"SSOCTL_PASSWORD"}},
				&cli.StringFlag{Name: "email"},
				&cli.StringFlag{Name: "display-name"},
				&cli.StringSliceFlag{Name: "role", Usage: "role name, repeatable"},
				&cli.StringFlag{Name: "roles", Usage: "role permissions, e.g. ADMIN=user:read user:create", EnvVars: []string{"IDP_BOOTSTRAP_ROLES"}},
			},
			Action: createUser,
		},
		{
			Name:  "list",
			Usage: "list accounts",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "prefix", Usage: "username prefix"},
				&cli.StringFlag{Name: "enabled", Usage: "true or false"},
				&cli.StringFlag{Name: "role"},
				&cli.IntFlag{Name: "limit"},
			},
			Action: listUsers,
		},
	},
}

func createUser(c *cli.Context) error {
	backend, err := openBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	perms := (&config.Config{BootstrapRoles: c.String("roles")}).ParseBootstrapRoles()
	u, err := auth.NewUser(auth.UserSpec{
		Username:    c.String("username"),
		Password:    c.String("password"),
		Email:       c.String("email"),
		DisplayName: c.String("display-name"),
		Roles:       bootstrap.Roles(c.StringSlice("role"), perms),
	})
	if err != nil {
		return err
	}
	if err := backend.Users().Create(c.Context, u); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "created user %s (%s)\n", u.Username, u.ID)
	return nil
}

func listUsers(c *cli.Context) error {
	filter := store.UserFilter{
		UsernamePrefix: c.String("prefix"),
		Role:           c.String("role"),
		Limit:          c.Int("limit"),
	}
	if v := c.String("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid --enabled %q: %w", v, err)
		}
		filter.Enabled = &enabled
	}

	backend, err := openBackend(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	users, err := backend.Users().List(c.Context, filter)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tENABLED\tLOCKED\tROLES")
	for _, u := range users {
		names := make([]string, 0, len(u.Roles))
		for _, r := range u.Roles {
			names = append(names, r.Name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%t\t%s\n", u.ID, u.Username, u.Enabled, u.Locked, strings.Join(names, " "))
	}
	return tw.Flush()
}

var clientsCommand = &cli.Command{
	Name:  "clients",
	Usage: "manage OIDC clients",
	Subcommands: []*cli.Command{
		{
			Name:  "bootstrap",
			Usage: "register the configured clients if missing",
			Action: func(c *cli.Context) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				backend, err := openBackend(c)
				if err != nil {
					return err
				}
				defer backend.Close()

				data := bootstrap.FromConfig(cfg)
				registry := oidc.NewClientRegistry(backend.Clients(), oidc.WithRegistryLogger(quietLogger(c)))
				for _, bc := range data.Clients {
					created, err := registry.RegisterIfAbsent(c.Context, bootstrap.ClientSpec(bc, data.TokenSettings))
					if err != nil {
						return err
					}
					status := "exists"
					if created {
						status = "created"
					}
					fmt.Fprintf(c.App.Writer, "%s\t%s\n", bc.ID, status)
				}
				return nil
			},
		},
	},
}

var keysCommand = &cli.Command{
	Name:  "keys",
	Usage: "manage signing keys",
	Subcommands: []*cli.Command{
		{
			Name:  "rotate",
			Usage: "activate a new signing key; the previous key stays published",
			Action: func(c *cli.Context) error {
				backend, err := openBackend(c)
				if err != nil {
					return err
				}
				defer backend.Close()

				key, err := crypto.NewKeyService(backend.Keys()).RotateKey(c.Context)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "active key %s\n", key.Kid)
				return nil
			},
		},
	},
}

var consentCommand = &cli.Command{
	Name:  "consent",
	Usage: "manage recorded consent",
	Subcommands: []*cli.Command{
		{
			Name:      "revoke",
			Usage:     "forget a principal's consent for a client",
			ArgsUsage: "<client-id> <principal>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return errors.New("usage: consent revoke <client-id> <principal>")
				}
				backend, err := openBackend(c)
				if err != nil {
					return err
				}
				defer backend.Close()

				if err := oidc.NewConsentService(backend.Consents()).Revoke(c.Context, c.Args().Get(0), c.Args().Get(1)); err != nil {
					return err
				}
				fmt.Fprintln(c.App.Writer, "revoked")
				return nil
			},
		},
	},
}

var hashPasswordCommand = &cli.Command{
	Name:      "hash-password",
	Usage:     "print the argon2id hash of a password",
	ArgsUsage: "<password>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return errors.New("usage: hash-password <password>")
		}
		hash, err := auth.HashPassword(c.Args().First())
		if err != nil {
			return err
		}
		_, err = io.WriteString(c.App.Writer, hash+"\n")
		return err
	},
}
