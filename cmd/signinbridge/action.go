package main

import (
	"context"
	"fmt"
	"io"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/actions"
	"github.com/nugget/signinbridge/internal/presence"
)

// runAction performs a single sign-in or sign-out and prints the
// outcome. Device references are resolved against account ids and
// device identifiers only; Home Assistant device ids need the
// WebSocket directory that serve maintains.
func runAction(ctx context.Context, stdout, stderr io.Writer, g globals, action string, args []string) error {
	fs := newFlagSet(action, stderr)
	device := fs.String("device", "", "target account id or device identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		return fmt.Errorf("usage: signinbridge %s [-device ref] [office|remote]", cliName(action))
	}
	req := actions.Request{Action: action, SiteType: fs.Arg(0), Device: *device}

	cfg, err := loadConfigOrDefault(g.configPath)
	if err != nil {
		return err
	}
	logger := loggerFor(stderr, cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ha := newHAClient(cfg, logger)
	tz := resolveTimezone(ctx, cfg, ha, logger)

	registry := account.NewRegistry(account.WithRegistryLogger(logger))
	if _, err := registerAccounts(store, registry, cfg, tz, logger); err != nil {
		return err
	}

	service := &presence.Service{Registry: registry, Logger: logger}
	if ha != nil {
		service.Locations = ha
	}
	dispatcher := actions.NewDispatcher(actions.DispatcherConfig{
		Registry: registry,
		Presence: service,
		Logger:   logger,
	})

	out, err := dispatcher.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	if g.outputFmt == "json" {
		return writeJSON(stdout, out)
	}
	switch {
	case out.Skipped:
		fmt.Fprintf(stdout, "Skipped %s for %s: %s\n", cliName(action), out.AccountID, out.Reason)
	default:
		fmt.Fprintf(stdout, "%s %s at %s site %d\n", out.Direction, out.AccountID, out.SiteType, out.SiteID)
	}
	if out.Warning != "" {
		fmt.Fprintf(stdout, "warning: %s\n", out.Warning)
	}
	return nil
}

func cliName(action string) string {
	if action == actions.ActionSignIn {
		return "sign-in"
	}
	return "sign-out"
}
