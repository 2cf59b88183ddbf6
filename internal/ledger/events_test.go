package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trust-ledger/pkg/audit"
)

func TestAuditSinkChainsLedgerEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewAuditSink(audit.NewChainLogger(audit.WithWriter(&buf)))
	svc, _ := newTestService(t, NewMemoryStore(), func(o *Options) { o.Events = sink })

	ctx := WithActor(context.Background(), "auditor")
	a := mustCreateAccount(t, svc, "acct-a")
	mustDeposit(t, svc, a.ID, "C1", "12.00")
	_, err := svc.RecordWithdrawal(ctx, WithdrawalRequest{AccountID: a.ID, ClientID: "C1", Amount: dec("2.00")})
	require.NoError(t, err)

	entries, err := audit.ReadChain(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.NoError(t, audit.Verify(entries))

	var last Event
	require.NoError(t, json.Unmarshal([]byte(entries[2].Payload), &last))
	assert.Equal(t, EventTransactionRecorded, last.Type)
	assert.Equal(t, "auditor", last.Actor)
	assert.Equal(t, "WITHDRAWAL", last.Detail["type"])
}
