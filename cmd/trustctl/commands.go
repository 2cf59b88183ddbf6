package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/example/trust-ledger/internal/bootstrap"
	"github.com/example/trust-ledger/internal/config"
	"github.com/example/trust-ledger/internal/ledger"
	"github.com/example/trust-ledger/internal/money"
	"github.com/example/trust-ledger/pkg/audit"
)

type app struct {
	out    io.Writer
	logger *slog.Logger
}

func (a *app) commands() []subcommands.Command {
	return []subcommands.Command{
		&migrateCmd{app: a},
		&balanceCmd{app: a},
		&unreconciledCmd{app: a},
		&statementCmd{app: a},
		&validateCmd{app: a},
		&rebuildCmd{app: a},
		&verifyAuditCmd{app: a},
	}
}

// withService loads the configuration, assembles the service and runs fn
// as the given actor.
func (a *app) withService(ctx context.Context, actor string, fn func(context.Context, *ledger.Service) error) subcommands.ExitStatus {
	cfg, err := config.Load()
	if err != nil {
		return a.fail(err)
	}
	rt, err := bootstrap.New(ctx, cfg, a.logger)
	if err != nil {
		return a.fail(err)
	}
	defer rt.Close()

	if err := fn(ledger.WithActor(ctx, actor), rt.Service); err != nil {
		return a.fail(err)
	}
	return subcommands.ExitSuccess
}

func (a *app) fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(a.out, "error:", err)
	return subcommands.ExitFailure
}

func requireAccount(f *flag.FlagSet, id string) error {
	if id == "" {
		return fmt.Errorf("%s: -account is required", f.Name())
	}
	return nil
}

func currencyOf(ctx context.Context, svc *ledger.Service, accountID string) (money.Currency, error) {
	acct, err := svc.GetAccount(ctx, accountID)
	if err != nil {
		return money.Currency{}, err
	}
	return money.CurrencyOf(acct.Currency)
}

type migrateCmd struct{ *app }

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "apply the schema of the configured store" }
func (*migrateCmd) Usage() string {
	return `trustctl migrate

  Creates the tables the configured STORE_DRIVER needs. Safe to re-run.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load()
	if err != nil {
		return c.fail(err)
	}
	store, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return c.fail(err)
	}
	defer store.Close()
	if err := bootstrap.Migrate(ctx, store); err != nil {
		return c.fail(err)
	}
	fmt.Fprintf(c.out, "%s store migrated\n", cfg.StoreDriver)
	return subcommands.ExitSuccess
}

type balanceCmd struct {
	*app
	account string
	client  string
	asOf    string
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "print sub-ledger balances of a trust account" }
func (*balanceCmd) Usage() string {
	return `trustctl balance -account <id> [-client <id>] [-as-of <YYYY-MM-DD>]

  Prints every client sub-ledger of the account and the account total, or a
  single client's balance. -as-of folds history up to the end of that day.
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Trust account id.")
	f.StringVar(&c.client, "client", "", "Only print this client's balance.")
	f.StringVar(&c.asOf, "as-of", "", "Balance as of the end of this date.")
}

func (c *balanceCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := requireAccount(f, c.account); err != nil {
		return c.fail(err)
	}
	var asOf []ledger.AsOf
	if c.asOf != "" {
		d, err := time.Parse(time.DateOnly, c.asOf)
		if err != nil {
			return c.fail(fmt.Errorf("invalid -as-of: %w", err))
		}
		asOf = append(asOf, ledger.AsOf(d.Add(24*time.Hour-time.Nanosecond)))
	}

	return c.withService(ctx, "trustctl", func(ctx context.Context, svc *ledger.Service) error {
		cur, err := currencyOf(ctx, svc, c.account)
		if err != nil {
			return err
		}
		if c.client != "" {
			bal, err := svc.ClientBalance(ctx, c.account, c.client, asOf...)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s\t%s\n", c.client, cur.Format(bal))
			return nil
		}

		b, err := svc.SubLedgerBalances(ctx, c.account, asOf...)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "SUB-LEDGER\tBALANCE\t")
		for _, s := range b.SubLedgers() {
			fmt.Fprintf(w, "%s\t%s\t\n", s.Attribution, cur.Format(s.Balance))
		}
		fmt.Fprintf(w, "TOTAL\t%s\t\n", cur.Format(b.Total()))
		return w.Flush()
	})
}

type unreconciledCmd struct {
	*app
	account string
}

func (*unreconciledCmd) Name() string     { return "unreconciled" }
func (*unreconciledCmd) Synopsis() string { return "list transactions awaiting reconciliation" }
func (*unreconciledCmd) Usage() string {
	return `trustctl unreconciled -account <id>
`
}

func (c *unreconciledCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Trust account id.")
}

func (c *unreconciledCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := requireAccount(f, c.account); err != nil {
		return c.fail(err)
	}
	return c.withService(ctx, "trustctl", func(ctx context.Context, svc *ledger.Service) error {
		cur, err := currencyOf(ctx, svc, c.account)
		if err != nil {
			return err
		}
		txns, err := svc.UnreconciledTransactions(ctx, c.account)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDATE\tTYPE\tSUB-LEDGER\tAMOUNT")
		for _, t := range txns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.EffectiveDate.Format(time.DateOnly), t.Type, t.Attribution, cur.Format(t.Amount))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%d unreconciled\n", len(txns))
		return nil
	})
}

type statementCmd struct {
	*app
	account string
	balance string
	date    string
	actor   string
}

func (*statementCmd) Name() string     { return "statement" }
func (*statementCmd) Synopsis() string { return "record a bank statement balance" }
func (*statementCmd) Usage() string {
	return `trustctl statement -account <id> -balance <amount> -date <YYYY-MM-DD> [-actor <name>]

  Records the closing balance of a bank statement. The next validation
  compares it with the account total as of that date.
`
}

func (c *statementCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Trust account id.")
	f.StringVar(&c.balance, "balance", "", "Closing balance, e.g. 1250.00.")
	f.StringVar(&c.date, "date", "", "Statement date.")
	f.StringVar(&c.actor, "actor", "trustctl", "Operator recorded on emitted events.")
}

func (c *statementCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := requireAccount(f, c.account); err != nil {
		return c.fail(err)
	}
	date, err := time.Parse(time.DateOnly, c.date)
	if err != nil {
		return c.fail(fmt.Errorf("invalid -date: %w", err))
	}
	return c.withService(ctx, c.actor, func(ctx context.Context, svc *ledger.Service) error {
		cur, err := currencyOf(ctx, svc, c.account)
		if err != nil {
			return err
		}
		balance, err := cur.Parse(c.balance)
		if err != nil {
			return err
		}
		if err := svc.RecordStatementBalance(ctx, c.account, balance, date.Add(24*time.Hour-time.Nanosecond)); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: statement of %s recorded at %s\n", c.account, cur.Format(balance), c.date)
		return nil
	})
}

type validateCmd struct {
	*app
	account string
	actor   string
}

func (*validateCmd) Name() string     { return "validate" }
func (*validateCmd) Synopsis() string { return "run the conservation-of-funds check on an account" }
func (*validateCmd) Usage() string {
	return `trustctl validate -account <id> [-actor <name>]

  Compares the running totals with the transaction history and the last
  recorded bank statement. A mismatch puts the account on integrity hold
  and exits non-zero.
`
}

func (c *validateCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Trust account id.")
	f.StringVar(&c.actor, "actor", "trustctl", "Operator recorded on emitted events.")
}

func (c *validateCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := requireAccount(f, c.account); err != nil {
		return c.fail(err)
	}
	return c.withService(ctx, c.actor, func(ctx context.Context, svc *ledger.Service) error {
		ok, err := svc.ValidateAccountBalance(ctx, c.account)
		var mismatch *ledger.BalanceMismatchError
		if errors.As(err, &mismatch) {
			fmt.Fprintf(c.out, "%s: MISMATCH (%s) expected %s, actual %s; account placed on integrity hold\n",
				c.account, mismatch.Check, mismatch.Expected, mismatch.Actual)
			return err
		}
		if err != nil {
			return err
		}
		if ok {
			fmt.Fprintf(c.out, "%s: balanced\n", c.account)
		}
		return nil
	})
}

type rebuildCmd struct {
	*app
	account string
	actor   string
}

func (*rebuildCmd) Name() string     { return "rebuild" }
func (*rebuildCmd) Synopsis() string { return "rebuild an account's running totals from its history" }
func (*rebuildCmd) Usage() string {
	return `trustctl rebuild -account <id> [-actor <name>]
`
}

func (c *rebuildCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Trust account id.")
	f.StringVar(&c.actor, "actor", "trustctl", "Operator recorded on emitted events.")
}

func (c *rebuildCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := requireAccount(f, c.account); err != nil {
		return c.fail(err)
	}
	return c.withService(ctx, c.actor, func(ctx context.Context, svc *ledger.Service) error {
		if err := svc.RebuildBalances(ctx, c.account); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: projection rebuilt\n", c.account)
		return nil
	})
}

type verifyAuditCmd struct {
	*app
	file string
}

func (*verifyAuditCmd) Name() string     { return "verify-audit" }
func (*verifyAuditCmd) Synopsis() string { return "verify the hash chain of an audit log" }
func (*verifyAuditCmd) Usage() string {
	return `trustctl verify-audit [-file <path>]

  Defaults to AUDIT_LOG_PATH.
`
}

func (c *verifyAuditCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.file, "file", "", "Audit log to verify.")
}

func (c *verifyAuditCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	file := c.file
	if file == "" {
		cfg, err := config.Load()
		if err != nil {
			return c.fail(err)
		}
		file = cfg.AuditLog
	}
	if file == "" {
		return c.fail(errors.New("no audit log: pass -file or set AUDIT_LOG_PATH"))
	}

	entries, err := audit.VerifyFile(file)
	if err != nil {
		return c.fail(err)
	}
	if len(entries) == 0 {
		fmt.Fprintf(c.out, "%s: empty\n", file)
		return subcommands.ExitSuccess
	}
	last := entries[len(entries)-1]
	fmt.Fprintf(c.out, "%s: %d entries verified, head %s\n", file, len(entries), last.Hash)
	return subcommands.ExitSuccess
}
