package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-provider/internal/app"
	"github.com/giantswarm/oauth-provider/internal/config"
	"github.com/giantswarm/oauth-provider/server"
	"github.com/giantswarm/oauth-provider/storage"
)

const defaultSystemRedirectURI = "http://localhost:3099/callback"

// loadConfig reads the --config file and builds the matching logger
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(config.ResolvePath(path))
	if err != nil {
		return nil, nil, err
	}
	return cfg, app.NewLogger(cfg.Env), nil
}

// withServer opens the configured persistent store and runs fn against a
// server on top of it.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *server.Server, store storage.Store) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == config.DriverMemory {
		return errors.New("the memory storage driver keeps no state between runs; configure postgres or redis")
	}

	ctx := cmd.Context()
	inst, err := app.NewInstrumentation(cfg.Telemetry)
	if err != nil {
		return err
	}
	store, err := app.OpenStore(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	srv, err := app.NewServer(cfg, store, logger, inst)
	if err != nil {
		return err
	}
	return fn(ctx, srv, store)
}

func newCreateSystemAppCommand() *cobra.Command {
	var opts systemAppOptions

	cmd := &cobra.Command{
		Use:   "create-system-app",
		Short: "Register a trusted first-party app",
		Long: `Registers a trusted app owned by an existing user. Trusted apps skip the
consent record on approval. The client secret is printed once and cannot be
retrieved again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server, store storage.Store) error {
				return createSystemApp(ctx, srv, store, opts, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "app name")
	cmd.Flags().StringVar(&opts.ownerEmail, "owner-email", "", "email of the owning user")
	cmd.Flags().StringVar(&opts.redirectURI, "redirect-uri", defaultSystemRedirectURI, "redirect URI")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner-email")

	return cmd
}

type systemAppOptions struct {
	name        string
	ownerEmail  string
	redirectURI string
}

func createSystemApp(ctx context.Context, srv *server.Server, users storage.UserStore, opts systemAppOptions, out io.Writer) error {
	owner, err := users.GetUserByEmail(ctx, opts.ownerEmail)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("no user with email %s", opts.ownerEmail)
		}
		return fmt.Errorf("failed to look up owner: %w", err)
	}

	created, err := srv.CreateSystemApp(ctx, owner.ID, opts.name, opts.redirectURI)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "Created trusted system app")
	fmt.Fprintf(out, "  App ID:        %s\n", created.App.ID)
	fmt.Fprintf(out, "  Client ID:     %s\n", created.App.ClientID)
	fmt.Fprintf(out, "  Client Secret: %s\n", created.Secret.Plaintext())
	fmt.Fprintf(out, "  Redirect URI:  %s\n", opts.redirectURI)
	fmt.Fprintln(out, "Store the client secret now; it will not be shown again.")
	return nil
}

func newRotateSecretCommand() *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "rotate-secret",
		Short: "Replace an app's client secret",
		Long:  "Generates a new client secret on behalf of the app owner. The previous secret stops working immediately.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server, _ storage.Store) error {
				return rotateSecret(ctx, srv, clientID, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "client id of the app")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func rotateSecret(ctx context.Context, srv *server.Server, clientID string, out io.Writer) error {
	target, err := srv.GetAppByClientID(ctx, clientID)
	if err != nil {
		return err
	}

	secret, err := srv.RegenerateSecret(ctx, target.ID, target.OwnerID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Rotated secret for %s (%s)\n", target.Name, target.ClientID)
	fmt.Fprintf(out, "  Client Secret: %s\n", secret.Plaintext())
	fmt.Fprintln(out, "The previous secret no longer works.")
	return nil
}
