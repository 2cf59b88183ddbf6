package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trust-ledger/internal/bootstrap"
	"github.com/example/trust-ledger/internal/config"
	"github.com/example/trust-ledger/internal/ledger"
)

func setupEnv(t *testing.T) (dbPath, auditPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "ledger.db")
	auditPath = filepath.Join(dir, "audit.jsonl")
	for _, k := range []string{"APP_ENV", "REDIS_ADDR", "DATABASE_URL", config.ConfigFileEnv} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("STORE_DRIVER", config.DriverSQLite)
	t.Setenv("SQLITE_PATH", dbPath)
	t.Setenv("AUDIT_LOG_PATH", auditPath)
	return dbPath, auditPath
}

func seed(t *testing.T) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	ctx := ledger.WithActor(context.Background(), "seed")
	rt, err := bootstrap.New(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close()

	_, err = rt.Service.CreateAccount(ctx, ledger.CreateAccountRequest{ID: "IOLTA", Name: "Client trust"})
	require.NoError(t, err)
	for _, d := range []struct{ client, amount string }{{"C1", "100.00"}, {"C2", "6.50"}} {
		_, err = rt.Service.RecordDeposit(ctx, ledger.DepositRequest{AccountID: "IOLTA", ClientID: d.client, Amount: decimal.RequireFromString(d.amount)})
		require.NoError(t, err)
	}
}

func run(t *testing.T, cmd subcommands.Command, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	var out bytes.Buffer
	a := &app{out: &out, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, c := range a.commands() {
		if c.Name() != cmd.Name() {
			continue
		}
		f := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
		c.SetFlags(f)
		require.NoError(t, f.Parse(args))
		return c.Execute(context.Background(), f), out.String()
	}
	t.Fatalf("unknown command %s", cmd.Name())
	return subcommands.ExitFailure, ""
}

func TestMigrateIsRepeatable(t *testing.T) {
	dbPath, _ := setupEnv(t)

	status, out := run(t, &migrateCmd{})
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "sqlite store migrated")
	assert.FileExists(t, dbPath)

	status, _ = run(t, &migrateCmd{})
	assert.Equal(t, subcommands.ExitSuccess, status)
}

func TestBalanceAndUnreconciled(t *testing.T) {
	setupEnv(t)
	seed(t)

	status, out := run(t, &balanceCmd{}, "-account", "IOLTA")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "C1")
	assert.Contains(t, out, "100.00")
	assert.Contains(t, out, "106.50")

	status, out = run(t, &balanceCmd{}, "-account", "IOLTA", "-client", "C2")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "6.50")

	status, out = run(t, &balanceCmd{}, "-account", "IOLTA", "-as-of", "2000-01-01")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.NotContains(t, out, "106.50")

	status, out = run(t, &unreconciledCmd{}, "-account", "IOLTA")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "2 unreconciled")
	assert.Contains(t, out, "DEPOSIT")
}

func TestCommandsRequireAccount(t *testing.T) {
	setupEnv(t)
	for _, c := range []subcommands.Command{&balanceCmd{}, &unreconciledCmd{}, &statementCmd{}, &validateCmd{}, &rebuildCmd{}} {
		status, out := run(t, c)
		assert.Equal(t, subcommands.ExitFailure, status, c.Name())
		assert.Contains(t, out, "-account is required")
	}
}

func TestValidateRebuildAndVerifyAudit(t *testing.T) {
	_, auditPath := setupEnv(t)
	seed(t)

	status, out := run(t, &validateCmd{}, "-account", "IOLTA")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "IOLTA: balanced")

	status, out = run(t, &rebuildCmd{}, "-account", "IOLTA")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "projection rebuilt")

	status, out = run(t, &verifyAuditCmd{})
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "entries verified")

	raw, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	lines := bytes.SplitAfter(raw, []byte("\n"))
	require.Greater(t, len(lines), 2)
	// Drop the second entry so the third no longer links.
	tampered := append(append([]byte{}, lines[0]...), bytes.Join(lines[2:], nil)...)
	require.NoError(t, os.WriteFile(auditPath, tampered, 0o600))
	status, out = run(t, &verifyAuditCmd{}, "-file", auditPath)
	assert.Equal(t, subcommands.ExitFailure, status)
	assert.Contains(t, out, "error:")
}

func TestUnknownAccountFails(t *testing.T) {
	setupEnv(t)
	status, out := run(t, &balanceCmd{}, "-account", "missing")
	assert.Equal(t, subcommands.ExitFailure, status)
	assert.Contains(t, out, "not found")
}

func TestStatementFeedsValidation(t *testing.T) {
	setupEnv(t)
	seed(t)
	today := time.Now().UTC().Format(time.DateOnly)

	status, out := run(t, &statementCmd{}, "-account", "IOLTA", "-balance", "10.005", "-date", today)
	assert.Equal(t, subcommands.ExitFailure, status)
	assert.Contains(t, out, "more precision")

	status, out = run(t, &statementCmd{}, "-account", "IOLTA", "-balance", "106.50", "-date", today)
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "$106.50")

	status, out = run(t, &validateCmd{}, "-account", "IOLTA")
	require.Equal(t, subcommands.ExitSuccess, status, out)
	assert.Contains(t, out, "balanced")

	status, out = run(t, &statementCmd{}, "-account", "IOLTA", "-balance", "100.00", "-date", today)
	require.Equal(t, subcommands.ExitSuccess, status, out)
	status, out = run(t, &validateCmd{}, "-account", "IOLTA")
	assert.Equal(t, subcommands.ExitFailure, status)
	assert.Contains(t, out, "MISMATCH (statement)")
}
