package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous hash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Sequence     uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger provides a tamper-evident log using hash chaining. When a
// writer is attached every entry is also written to it as one JSON line.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	seq          uint64
	out          io.Writer
	now          func() time.Time
}

// Option configures a ChainLogger.
type Option func(*ChainLogger)

// WithWriter mirrors entries to w as JSON lines.
func WithWriter(w io.Writer) Option {
	return func(c *ChainLogger) { c.out = w }
}

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *ChainLogger) { c.now = now }
}

// ResumeFrom continues an existing chain whose last entry is last.
func ResumeFrom(last *LogEntry) Option {
	return func(c *ChainLogger) {
		if last != nil {
			c.previousHash = last.Hash
			c.seq = last.Sequence
		}
	}
}

// NewChainLogger creates a new ChainLogger initialized with a zero hash.
func NewChainLogger(opts ...Option) *ChainLogger {
	c := &ChainLogger{
		previousHash: GenesisHash,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds a new log entry to the chain. The chain only advances when
// the entry was written successfully.
func (c *ChainLogger) Append(payload string) (*LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Sequence:     c.seq + 1,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)

	if c.out != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit entry: %w", err)
		}
		if _, err := c.out.Write(append(line, '\n')); err != nil {
			return nil, fmt.Errorf("failed to write audit entry: %w", err)
		}
	}

	c.previousHash = entry.Hash
	c.seq = entry.Sequence
	return entry, nil
}

// AppendJSON marshals v and appends it.
func (c *ChainLogger) AppendJSON(v any) (*LogEntry, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit payload: %w", err)
	}
	return c.Append(string(b))
}

func entryHash(prev string, e *LogEntry) string {
	hashInput := fmt.Sprintf("%s|%d|%s|%s", prev, e.Sequence, e.Timestamp, e.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// ErrBrokenChain is returned by Verify for a chain that fails validation.
var ErrBrokenChain = errors.New("audit chain broken")

// Verify checks entries form a valid hash chain and reports the first
// entry that does not.
func Verify(entries []*LogEntry) error {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrBrokenChain, entry.Sequence)
			}
			if entry.Sequence != entries[i-1].Sequence+1 {
				return fmt.Errorf("%w: sequence gap before entry %d", ErrBrokenChain, entry.Sequence)
			}
		}
		if entryHash(prevHash, entry) != entry.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrBrokenChain, entry.Sequence)
		}
	}
	return nil
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	return Verify(entries) == nil
}

// ReadChain decodes a JSON-lines audit log.
func ReadChain(r io.Reader) ([]*LogEntry, error) {
	var entries []*LogEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
