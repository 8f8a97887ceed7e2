package collect

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const maxLineBytes = 16 << 20

// FileSource replays a recorded collection: every non-empty line of the
// underlying reader is one batch, encoded as a JSON array of raw records.
type FileSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewFileSource reads batches from r.
func NewFileSource(r io.Reader) *FileSource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	s := &FileSource{scanner: sc}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NextBatch decodes the next line.
func (s *FileSource) NextBatch(ctx context.Context) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}

	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var b Batch
		if err := json.Unmarshal(line, &b.Records); err != nil {
			return Batch{}, fmt.Errorf("decoding batch on line %d: %w", s.line, err)
		}
		return b, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Batch{}, Transient(fmt.Errorf("reading batch: %w", err))
	}
	return Batch{}, ErrEndOfData
}

// Close releases the underlying file, if any.
func (s *FileSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// FileOpener opens feeds as files. Relative feed paths are resolved
// against Dir.
type FileOpener struct {
	Dir string
}

// Open opens the feed file. The caller closes it through the returned
// source's Close method.
func (o FileOpener) Open(_ context.Context, feed string) (Source, error) {
	path := feed
	if !filepath.IsAbs(path) && o.Dir != "" {
		path = filepath.Join(o.Dir, path)
	}
	f, err := os.Open(path) //nolint:gosec // feed paths come from operator config
	if err != nil {
		return nil, fmt.Errorf("opening feed %s: %w", feed, err)
	}
	return NewFileSource(f), nil
}
