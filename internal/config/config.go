// Package config reads the emulator's text configuration format: one
// "key = value" directive per line, the same line-oriented shape
// cmd/minitrd's modules.alias/modules.dep readers use (bufio.Scanner,
// skip blank/comment lines, split on the first delimiter). It exists
// to let cmd/lfs3's "format"/"fsck" subcommands take a config file
// instead of a wall of flags when driving the conformance suite
// across many device geometries.
//
// No third-party config-file library in the pack fits this format: it
// is deliberately simpler than TOML/YAML (no nesting, no types beyond
// uint32) and nothing in the example corpus parses a dedicated config
// dialect, so this is the one place the implementation falls back to
// bufio/strings directly. See DESIGN.md.
package config

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/lfs3"
)

// Overrides holds whichever fields a config file mentions; a nil field
// means "unset, use the caller's default" (internal/config never fabricates
// a value the file didn't name).
type Overrides struct {
	ReadSize      *uint32
	ProgSize      *uint32
	BlockSize     *uint32
	BlockCount    *uint32
	LookaheadSize *uint32
	NameLimit     *uint32
	FileLimit     *uint32
}

// Apply copies every field ov's file mentioned into cfg, leaving
// fields it left nil untouched.
func (ov Overrides) Apply(cfg *lfs3.Config) {
	if ov.ReadSize != nil {
		cfg.ReadSize = *ov.ReadSize
	}
	if ov.ProgSize != nil {
		cfg.ProgSize = *ov.ProgSize
	}
	if ov.BlockSize != nil {
		cfg.BlockSize = *ov.BlockSize
	}
	if ov.BlockCount != nil {
		cfg.BlockCount = *ov.BlockCount
	}
	if ov.LookaheadSize != nil {
		cfg.LookaheadSize = *ov.LookaheadSize
	}
	if ov.NameLimit != nil {
		cfg.NameLimit = *ov.NameLimit
	}
	if ov.FileLimit != nil {
		cfg.FileLimit = *ov.FileLimit
	}
}

// fields maps a directive's key to the Overrides field it sets.
var fields = map[string]func(*Overrides, uint32){
	"read_size":      func(o *Overrides, v uint32) { o.ReadSize = &v },
	"prog_size":      func(o *Overrides, v uint32) { o.ProgSize = &v },
	"block_size":     func(o *Overrides, v uint32) { o.BlockSize = &v },
	"block_count":    func(o *Overrides, v uint32) { o.BlockCount = &v },
	"lookahead_size": func(o *Overrides, v uint32) { o.LookaheadSize = &v },
	"name_limit":     func(o *Overrides, v uint32) { o.NameLimit = &v },
	"file_limit":     func(o *Overrides, v uint32) { o.FileLimit = &v },
}

// Parse reads key = value lines from r. Blank lines and lines starting
// with '#' are skipped; any other key is an error, to catch typos
// early rather than silently ignoring a misspelled directive.
func Parse(r io.Reader) (Overrides, error) {
	var out Overrides
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx == -1 {
			return out, xerrors.Errorf("config: line %d: missing '=': %q", lineno, line)
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])

		set, ok := fields[key]
		if !ok {
			return out, xerrors.Errorf("config: line %d: unknown key %q", lineno, key)
		}
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return out, xerrors.Errorf("config: line %d: key %q: %w", lineno, key, err)
		}
		set(&out, uint32(n))
	}
	if err := scanner.Err(); err != nil {
		return out, xerrors.Errorf("config: %w", err)
	}
	return out, nil
}
