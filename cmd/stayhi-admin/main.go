// Command stayhi-admin runs operator tasks against the Stay Hi database.
//
// Usage:
//
//	stayhi-admin [-config file] migrate
//	stayhi-admin [-config file] invite create -tier STAN [-days 30] [-max-uses N] [-ttl 720h] [-count 1]
//	stayhi-admin [-config file] invite show CODE
//	stayhi-admin [-config file] invite deactivate-expired
//
// The database is selected exactly as for the server (STAYHI_DB_DRIVER, STAYHI_DATABASE_URL, DB_*).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"stayhi/cmd/identity"
	"stayhi/cmd/internal/app"
	"stayhi/cmd/internal/invite"
)

var errUsage = errors.New("usage: stayhi-admin [-config file] migrate | invite create | invite show CODE | invite deactivate-expired")

// command runs against an open store.
type command func(ctx context.Context, st identity.AdminStore, log *slog.Logger) error

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("stayhi-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("STAYHI_CONFIG"), "optional YAML config file; environment variables override it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd, err := parseCommand(fs.Args(), stdout, stderr)
	if err != nil {
		return err
	}

	cfg, err := app.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := app.NewLoggerTo(stderr, cfg.LogLevel, cfg.LogFormat)

	st, err := app.OpenStore(ctx, cfg.DB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	return cmd(ctx, st, logger)
}

func parseCommand(args []string, stdout, stderr io.Writer) (command, error) {
	if len(args) == 0 {
		return nil, errUsage
	}
	switch args[0] {
	case "migrate":
		return migrateCmd(stdout), nil
	case "invite":
		if len(args) < 2 {
			return nil, errUsage
		}
		switch args[1] {
		case "create":
			return inviteCreateCmd(args[2:], stdout, stderr)
		case "show":
			if len(args) != 3 {
				return nil, errUsage
			}
			return inviteShowCmd(args[2], stdout), nil
		case "deactivate-expired":
			return inviteDeactivateCmd(stdout), nil
		}
	}
	return nil, errUsage
}

func migrateCmd(stdout io.Writer) command {
	return func(ctx context.Context, st identity.AdminStore, log *slog.Logger) error {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
		log.Info("admin.migrate.ok")
		_, err := fmt.Fprintln(stdout, "migrated")
		return err
	}
}

func inviteCreateCmd(args []string, stdout, stderr io.Writer) (command, error) {
	fs := flag.NewFlagSet("invite create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tierFlag := fs.String("tier", "", "membership tier: BETA, VIP, FRIEND or STAN")
	days := fs.Int("days", invite.DefaultTrialDays, "trial days encoded in the code")
	maxUses := fs.Int("max-uses", 0, "redemption cap per code (0 = unlimited)")
	ttl := fs.Duration("ttl", 0, "code lifetime (0 = never expires)")
	count := fs.Int("count", 1, "number of codes to mint")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	tier, err := invite.ParseTier(*tierFlag)
	if err != nil {
		return nil, fmt.Errorf("-tier: %w", err)
	}

	in := invite.MintInput{
		Tier:      tier,
		TrialDays: *days,
		TTL:       *ttl,
		Count:     *count,
	}
	if *maxUses > 0 {
		n := *maxUses
		in.MaxUses = &n
	}

	return func(ctx context.Context, st identity.AdminStore, log *slog.Logger) error {
		svc, err := invite.NewService(st)
		if err != nil {
			return err
		}
		codes, err := svc.Mint(ctx, in)
		for _, c := range codes {
			if _, werr := fmt.Fprintln(stdout, c.Code); werr != nil {
				return werr
			}
		}
		if err != nil {
			return fmt.Errorf("minted %d of %d: %w", len(codes), in.Count, err)
		}
		log.Info("admin.invite.create.ok",
			slog.String("tier", tier.String()),
			slog.Int("trial_days", in.TrialDays),
			slog.Int("count", len(codes)),
		)
		return nil
	}, nil
}

func inviteShowCmd(raw string, stdout io.Writer) command {
	code := invite.NormalizeCode(raw)
	return func(ctx context.Context, st identity.AdminStore, _ *slog.Logger) error {
		c, err := st.GetInvite(ctx, code)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "code\t%s\n", c.Code)
		fmt.Fprintf(tw, "tier\t%s\n", c.Tier())
		fmt.Fprintf(tw, "trial_days\t%d\n", c.TrialDays())
		fmt.Fprintf(tw, "active\t%t\n", c.IsActive)
		fmt.Fprintf(tw, "redeemable_now\t%t\n", c.ActiveAt(time.Now().UTC()))
		fmt.Fprintf(tw, "uses\t%s\n", usesString(c))
		fmt.Fprintf(tw, "expires_at\t%s\n", timeString(c.ExpiresAt))
		fmt.Fprintf(tw, "last_used_at\t%s\n", timeString(c.LastUsedAt))
		fmt.Fprintf(tw, "created_at\t%s\n", c.CreatedAt.UTC().Format(time.RFC3339))
		return tw.Flush()
	}
}

func inviteDeactivateCmd(stdout io.Writer) command {
	return func(ctx context.Context, st identity.AdminStore, log *slog.Logger) error {
		svc, err := invite.NewService(st)
		if err != nil {
			return err
		}
		n, err := svc.DeactivateExpired(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		log.Info("admin.invite.deactivate_expired.ok", slog.Int64("count", n))
		_, err = fmt.Fprintf(stdout, "deactivated %d\n", n)
		return err
	}
}

func usesString(c invite.Code) string {
	if c.MaxUses == nil {
		return strconv.Itoa(c.UsesCount) + "/unlimited"
	}
	return strconv.Itoa(c.UsesCount) + "/" + strconv.Itoa(*c.MaxUses)
}

func timeString(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
