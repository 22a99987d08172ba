package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/nugget/signinbridge/internal/account"
	"github.com/nugget/signinbridge/internal/signinapp"
)

// siteFlags are the reconfigurable account settings shared by connect
// and reconfigure.
type siteFlags struct {
	office   int
	remote   int
	location string
	accuracy float64
	title    string
}

func (f *siteFlags) register(fs *flag.FlagSet) {
	fs.IntVar(&f.office, "office", 0, "office site id")
	fs.IntVar(&f.remote, "remote", 0, "remote site id")
	fs.StringVar(&f.location, "location", "", "Home Assistant entity whose latitude/longitude locate office actions")
	fs.Float64Var(&f.accuracy, "accuracy", -1, "office accuracy in meters")
	fs.StringVar(&f.title, "title", "", "display name (default: visitor name)")
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// runConnect exchanges a companion code for a token and stores a new
// account. Site ids may be given now or set later with reconfigure;
// the sites the service reports are printed either way.
func runConnect(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	fs := newFlagSet("connect", stderr)
	var sf siteFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: signinbridge connect [-office id] [-remote id] [-location entity] [-accuracy m] [-title name] <companion-code>")
	}
	code := fs.Arg(0)

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

	tz := resolveTimezone(ctx, cfg, newHAClient(cfg, logger), logger)
	client := newVendorClient(cfg, "", tz, logger)

	token, err := client.Connect(ctx, code)
	if err != nil {
		return err
	}
	client.SetToken(token)

	// The status call only enriches the account; setup succeeds
	// without it.
	var (
		sites     []signinapp.Site
		visitorID string
		title     = sf.title
	)
	status, err := client.FetchStatus(ctx)
	if err != nil {
		logger.Warn("could not fetch sites during connect", "error", err)
	} else {
		sites = status.Sites
		if v := status.ReturningVisitor; v != nil {
			visitorID = string(v.ID)
			if title == "" {
				title = v.Name
			}
		}
	}

	id, err := account.NewID(visitorID)
	if err != nil {
		return err
	}
	acct := account.Account{
		ID:             id,
		Title:          title,
		Token:          token,
		OfficeSiteID:   sf.office,
		RemoteSiteID:   sf.remote,
		LocationSource: sf.location,
		OfficeAccuracy: cfg.SignInApp.DefaultOfficeAccuracy,
		UniqueID:       visitorID,
	}
	if sf.accuracy >= 0 {
		acct.OfficeAccuracy = sf.accuracy
	}

	if err := store.Create(&acct); err != nil {
		if errors.Is(err, account.ErrDuplicate) {
			return fmt.Errorf("account %s is already configured", acct.ID)
		}
		return err
	}
	logger.Info("account connected", "account", acct.ID, "title", acct.Title)

	if g.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"account": acct,
			"sites":   sites,
		})
	}
	fmt.Fprintf(stdout, "Connected %s (%s)\n", acct.Title, acct.ID)
	if len(sites) > 0 {
		fmt.Fprintln(stdout)
		printSites(stdout, sites)
	}
	if acct.OfficeSiteID == 0 || acct.RemoteSiteID == 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintf(stdout, "Set the site ids with: signinbridge reconfigure -office <id> -remote <id> %s\n", acct.ID)
	}
	return nil
}

// runSites lists the sites an account's token can see.
func runSites(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: signinbridge sites <account>")
	}

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

	acct, err := store.Get(args[0])
	if err != nil {
		return err
	}

	tz := resolveTimezone(ctx, cfg, newHAClient(cfg, logger), logger)
	status, err := newVendorClient(cfg, acct.Token, tz, logger).FetchStatus(ctx)
	if err != nil {
		return err
	}

	if g.outputFmt == "json" {
		return writeJSON(stdout, status.Sites)
	}
	printSites(stdout, status.Sites)
	return nil
}

// runReconfigure changes the reconfigurable settings of an account.
// Only flags that were given are applied.
func runReconfigure(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	fs := newFlagSet("reconfigure", stderr)
	var sf siteFlags
	sf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: signinbridge reconfigure [-office id] [-remote id] [-location entity] [-accuracy m] [-title name] <account>")
	}

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

	acct, err := store.Get(fs.Arg(0))
	if err != nil {
		return err
	}

	changed := 0
	fs.Visit(func(f *flag.Flag) {
		changed++
		switch f.Name {
		case "office":
			acct.OfficeSiteID = sf.office
		case "remote":
			acct.RemoteSiteID = sf.remote
		case "location":
			acct.LocationSource = sf.location
		case "accuracy":
			acct.OfficeAccuracy = sf.accuracy
		case "title":
			acct.Title = sf.title
		}
	})
	if changed == 0 {
		return fmt.Errorf("nothing to change: give at least one of -office, -remote, -location, -accuracy, -title")
	}

	if err := store.Update(&acct); err != nil {
		return err
	}
	logger.Info("account reconfigured", "account", acct.ID)

	if g.outputFmt == "json" {
		return writeJSON(stdout, acct)
	}
	fmt.Fprintf(stdout, "Updated %s (%s)\n", acct.Title, acct.ID)
	return nil
}

// runRemove deletes an account. A running bridge unregisters it and
// clears its entities at its next account sync (within
// accountSyncInterval).
func runRemove(ctx context.Context, stdout, stderr io.Writer, g globals, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: signinbridge remove <account>")
	}

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

	if err := store.Delete(args[0]); err != nil {
		return err
	}
	logger.Info("account removed", "account", args[0])
	fmt.Fprintf(stdout, "Removed %s\n", args[0])
	return nil
}

// runAccounts lists configured accounts. Tokens are never printed.
func runAccounts(ctx context.Context, stdout, stderr io.Writer, g globals) error {
	cfg, err := loadConfigOrDefault(g.configPath)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	accts, err := store.List()
	if err != nil {
		return err
	}

	if g.outputFmt == "json" {
		return writeJSON(stdout, accts)
	}
	if len(accts) == 0 {
		fmt.Fprintln(stdout, "No accounts configured. Add one with: signinbridge connect <code>")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tOFFICE\tREMOTE\tLOCATION\tACCURACY")
	for _, a := range accts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%g\n",
			a.ID, a.Title, siteLabel(a.OfficeSiteID), siteLabel(a.RemoteSiteID),
			orDash(a.LocationSource), a.OfficeAccuracy)
	}
	return tw.Flush()
}

func printSites(w io.Writer, sites []signinapp.Site) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE ID\tNAME")
	for _, s := range sites {
		fmt.Fprintf(tw, "%d\t%s\n", s.ID, s.Name)
	}
	_ = tw.Flush()
}

func siteLabel(id int) string {
	if id == 0 {
		return "-"
	}
	return strconv.Itoa(id)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
