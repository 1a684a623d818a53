// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/msauth/msauth-go/apps/msauth"
	"github.com/msauth/msauth-go/apps/page"
)

func (a *app) loginCmd() *cobra.Command {
	var redirect bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and print the tokens",
		Long: `Sign in interactively and print the tokens as JSON.

By default the browser is opened and the answer is received on the loopback redirect
URI. With --redirect the browser is sent to the sign-in page and msauth exits; when
the browser lands on the redirect URI, pass that URL with --url to finish:

  msauth login --redirect --scopes User.Read
  msauth login --url 'http://localhost:8400/?code=...&state=...'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.page(cmd)
			if err != nil {
				return err
			}
			opts := a.loginOptions()
			opts.Native = msauth.Bool(!redirect)
			res, err := a.client.Login(cmd.Context(), pg, opts)
			if errors.Is(err, page.ErrUnloaded) {
				fmt.Fprintln(a.stderr, "Sign in in the browser, then run msauth login --url '<the URL the browser was redirected to>'")
				return nil
			}
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
	cmd.Flags().BoolVar(&redirect, "redirect", false, "sign in with a full-page redirect instead of the loopback server")
	cmd.Flags().String("prompt", "", "login, none, consent, create or select_account (default select_account)")
	cmd.Flags().String("login-hint", "", "username to prefill on the sign-in page")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a token for the signed in account without user interaction",
		Long: `Print a token for the signed in account, from the cache or by redeeming the
cached refresh token. Exits with status 2 when msauth login is needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.page(cmd)
			if err != nil {
				return err
			}
			res, err := a.client.AcquireTokenSilent(cmd.Context(), pg, a.loginOptions())
			if err != nil {
				return err
			}
			return a.print(res)
		},
	}
}

func (a *app) logoutCmd(use string, all bool) *cobra.Command {
	short := "Sign the account out"
	if all {
		short = "Sign every account out"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + `, removing its tokens from the cache and opening the
end-session page in the browser. Exits with status 2 when nobody is signed in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pg, err := a.page(cmd)
			if err != nil {
				return err
			}
			opts := msauth.LogoutOptions{BaseOptions: a.cfg.baseOptions()}
			if all {
				err = a.client.LogoutAll(cmd.Context(), pg, opts)
			} else {
				err = a.client.Logout(cmd.Context(), pg, opts)
			}
			if errors.Is(err, page.ErrUnloaded) {
				fmt.Fprintln(a.stderr, "Signed out.")
				return nil
			}
			return err
		},
	}
}
