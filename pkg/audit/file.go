package audit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// OpenFile opens (or creates) a JSON-lines chain at path, verifies what is
// already there and returns a logger that appends to it. The caller closes
// the returned file.
func OpenFile(path string, opts ...Option) (*ChainLogger, *os.File, error) {
	entries, err := VerifyFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	opts = append(opts, WithWriter(f))
	if n := len(entries); n > 0 {
		opts = append(opts, ResumeFrom(entries[n-1]))
	}
	return NewChainLogger(opts...), f, nil
}

// VerifyFile reads the chain at path and checks every link.
func VerifyFile(path string) ([]*LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := ReadChain(f)
	if err != nil {
		return nil, fmt.Errorf("read audit log %s: %w", path, err)
	}
	if err := Verify(entries); err != nil {
		return entries, fmt.Errorf("audit log %s: %w", path, err)
	}
	return entries, nil
}
