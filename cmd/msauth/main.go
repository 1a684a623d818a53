// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Command msauth signs a user in and prints access tokens.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/browser"
)

func main() {
	// stdout carries the JSON result only
	browser.Stdout = os.Stderr
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := newApp(os.Stdout, os.Stderr).run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
