package audit

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger()

	e1, err := logger.Append(`{"event":"account.created","account_id":"acct-1"}`)
	require.NoError(t, err)
	e2, err := logger.Append(`{"event":"transaction.recorded","transaction_id":"tx-1"}`)
	require.NoError(t, err)
	e3, err := logger.Append(`{"event":"account.deactivated","account_id":"acct-1"}`)
	require.NoError(t, err)

	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.Equal(t, uint64(3), e3.Sequence)

	chain := []*LogEntry{e1, e2, e3}
	require.True(t, VerifyChain(chain))

	originalPayload := e2.Payload
	e2.Payload = `{"event":"transaction.recorded","transaction_id":"tx-2"}`
	assert.False(t, VerifyChain(chain), "tampered payload")
	e2.Payload = originalPayload

	originalHash := e2.Hash
	e2.Hash = strings.Repeat("de", 32)
	assert.False(t, VerifyChain(chain), "tampered hash")
	e2.Hash = originalHash

	e3.PreviousHash = strings.Repeat("be", 32)
	err = Verify(chain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBrokenChain))
}

func TestChainLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewChainLogger(WithWriter(&buf))

	for _, p := range []string{"one", "two", "three"} {
		_, err := logger.Append(p)
		require.NoError(t, err)
	}

	entries, err := ReadChain(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "two", entries[1].Payload)
	assert.NoError(t, Verify(entries))
}

func TestChainLoggerResume(t *testing.T) {
	var buf bytes.Buffer
	first := NewChainLogger(WithWriter(&buf))
	_, err := first.Append("before restart")
	require.NoError(t, err)

	existing, err := ReadChain(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	second := NewChainLogger(WithWriter(&buf), ResumeFrom(existing[len(existing)-1]))
	_, err = second.Append("after restart")
	require.NoError(t, err)

	entries, err := ReadChain(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.NoError(t, Verify(entries))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestChainLoggerDoesNotAdvanceOnWriteFailure(t *testing.T) {
	logger := NewChainLogger(WithWriter(failingWriter{}))
	_, err := logger.Append("lost")
	require.Error(t, err)

	logger.out = nil
	e, err := logger.Append("kept")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
	assert.Equal(t, GenesisHash, e.PreviousHash)
}

func TestReadChainRejectsGarbage(t *testing.T) {
	_, err := ReadChain(strings.NewReader("{not json}\n"))
	assert.Error(t, err)
}

func TestOpenFileResumesExistingChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	c, f, err := OpenFile(path)
	require.NoError(t, err)
	_, err = c.Append("first")
	require.NoError(t, err)
	_, err = c.Append("second")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c, f, err = OpenFile(path)
	require.NoError(t, err)
	e, err := c.Append("third")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, uint64(3), e.Sequence)

	entries, err := VerifyFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, GenesisHash, entries[0].PreviousHash)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(raw), `"second"`, `"edited"`, 1)), 0o600))

	_, err = VerifyFile(path)
	assert.ErrorIs(t, err, ErrBrokenChain)
	_, _, err = OpenFile(path)
	assert.ErrorIs(t, err, ErrBrokenChain, "a tampered log is not extended")
}
