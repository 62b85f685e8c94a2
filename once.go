package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/token-keeper/refresh"
	"github.com/go-authgate/token-keeper/tui"
)

// onceCommand performs a single refresh and exits.
type onceCommand struct {
	IfStale bool `long:"if-stale" description:"only refresh when the stored token is inside the refresh margin"`
	Print   bool `long:"print" description:"write the raw token to stdout"`

	opts *Options
}

func (c *onceCommand) Execute(_ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !c.opts.tty {
		return c.run(ctx, tui.NewPlainDisplayer(c.opts.stderr), false)
	}

	// Run TUI program on stderr so stdout pipes are not corrupted
	m := tui.NewModel()
	// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
	// capability queries. Ctrl+C is handled by signal.NotifyContext.
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		}
	}()

	err := c.run(ctx, tui.NewProgramDisplayer(p, c.opts.AcquireTimeout), true)
	p.Quit()
	wg.Wait()
	return err
}

func (c *onceCommand) run(ctx context.Context, d tui.Displayer, quiet bool) error {
	d.Banner()

	log, err := c.opts.logger(quiet)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() { _ = log.Sync() }()

	a, err := c.opts.build(ctx, log, d)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.close()

	start := time.Now()
	v := a.coord.CheckValidity(ctx, start)
	switch {
	case errors.Is(v.Err, refresh.ErrNoToken):
		d.NoStoredToken()
	case v.Err != nil:
		d.StoredTokenUnusable(v.Err)
	default:
		tenant := ""
		if rec := a.store.Read(ctx); rec != nil {
			tenant = rec.Tenant
		}
		d.StoredToken(tenant, time.Duration(v.SecondsUntilExpiry)*time.Second, v.Valid)
	}

	refreshFn := a.coord.Refresh
	if c.IfStale {
		refreshFn = a.coord.EnsureFresh
	}
	rec, err := refreshFn(ctx)
	if err != nil {
		d.Fatal(err)
		return err
	}

	if !rec.FetchedAt.Before(start.Truncate(time.Second)) {
		d.TokenSaved(a.location)
	}
	d.Done(rec.Preview(50), rec.Tenant, time.Until(rec.ExpiresAt))

	if c.Print {
		fmt.Fprintln(c.opts.stdout, rec.Token)
	}
	return nil
}
