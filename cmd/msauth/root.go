// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	msauthErrors "github.com/msauth/msauth-go/apps/errors"
	"github.com/msauth/msauth-go/apps/internal/logger"
	"github.com/msauth/msauth-go/apps/msauth"
	"github.com/msauth/msauth-go/apps/page"
)

// Exit codes, for scripts.
const (
	exitOK = 0
	// exitError is any failure not listed below.
	exitError = 1
	// exitSignInRequired means there is no usable session; run msauth login.
	exitSignInRequired = 2
	// exitCancelled means the user declined or aborted the sign in.
	exitCancelled = 3
)

// app is one invocation of the CLI.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// httpClient and pageOptions are replaced in tests.
	httpClient  *http.Client
	pageOptions []page.Option

	cfg    Config
	log    *slog.Logger
	client *msauth.Client
	close  func() error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

// run executes args and returns the process exit code.
func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	err := root.ExecuteContext(ctx)
	if a.close != nil {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintln(a.stderr, "Error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, msauthErrors.ErrInteractionRequired), errors.Is(err, msauthErrors.ErrNoActiveSession):
		return exitSignInRequired
	case errors.Is(err, msauthErrors.ErrUserCancelled):
		return exitCancelled
	}
	return exitError
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msauth",
		Short: "Sign in to Microsoft Entra ID and print access tokens",
		Long: `msauth signs a user in with the authorization code flow and PKCE, keeps the
session in a local cache and prints access tokens as JSON.

Settings are read from flags, MSAUTH_* environment variables (MSAUTH_CLIENT_ID, ...)
and msauth.yaml, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	f := root.PersistentFlags()
	f.String("config", "", "config file (default ./msauth.yaml or <user config dir>/msauth/msauth.yaml)")
	f.String("client-id", "", "application (client) ID")
	f.String("tenant", "", `tenant used to build the authority (default "common")`)
	f.String("authority", "", "authority URL, overrides --tenant")
	f.String("authority-type", "", "AAD, B2C or CIAM (default AAD)")
	f.StringSlice("known-authorities", nil, "hosts trusted as authorities besides the Microsoft ones")
	f.String("redirect-uri", "", `redirect URI registered for the application (default "http://localhost:8400/")`)
	f.String("domain-hint", "", "domain hint for the sign-in page")
	f.StringSlice("scopes", nil, "scopes to request")
	f.Int("popup-port", 0, "loopback port for browser sign in when the redirect URI has none")
	f.String("cache", "", "session cache: file, keyring, sqlite or memory (default file)")
	f.String("cache-dir", "", "directory of the file and sqlite caches")
	f.String("keyring-service", "", `keyring service name (default "msauth")`)
	f.String("log-level", "", "debug, info, warn or error (default warn)")
	f.String("url", "", "URL the browser was redirected to, to finish a redirect sign in")

	root.AddCommand(a.loginCmd(), a.tokenCmd(), a.logoutCmd("logout", false), a.logoutCmd("logout-all", true))
	return root
}

// setup loads the configuration and builds the client.
func (a *app) setup(cmd *cobra.Command) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(v, file)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: logger.ParseLevel(cfg.LogLevel)}))

	medium, closeMedium, err := openMedium(cfg)
	if err != nil {
		return fmt.Errorf("could not open %s cache: %w", cfg.Cache, err)
	}
	a.close = closeMedium

	options := []msauth.Option{
		msauth.WithCache(medium),
		msauth.WithLogger(a.log),
		msauth.WithPopupPort(cfg.PopupPort),
	}
	if a.httpClient != nil {
		options = append(options, msauth.WithHTTPClient(a.httpClient))
	}
	a.client, err = msauth.New(options...)
	return err
}

// page is the page this invocation acts on: the --url the browser was redirected to,
// or the redirect URI.
func (a *app) page(cmd *cobra.Command) (*page.Page, error) {
	u, _ := cmd.Flags().GetString("url")
	if u == "" {
		u = a.cfg.RedirectURI
	}
	return page.New(u, a.pageOptions...)
}

func (a *app) loginOptions() msauth.LoginOptions {
	return msauth.LoginOptions{
		BaseOptions: a.cfg.baseOptions(),
		Scopes:      a.cfg.Scopes,
		Prompt:      a.cfg.Prompt,
		LoginHint:   a.cfg.LoginHint,
	}
}

func (a *app) print(res msauth.AuthResult) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
