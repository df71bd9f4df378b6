package muxcore

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MuxNamespace isolates broker-owned tmux sessions from sessions a human
// might have started by hand on the same workstation.
const MuxNamespace = "mobile-"

const maxSessionNameLen = 30

// NewPTYID returns a fresh direct-PTY window ID: "pty-{uuid-v4}".
func NewPTYID() string {
	return "pty-" + uuid.NewString()
}

// SessionNameFor derives the deterministic tmux session name for a
// project path: the final path component, non-grammar characters
// replaced with '-', truncated to maxSessionNameLen, namespaced.
//
// Exported (unlike the teacher's private sanitizeTmuxSessionName) so the
// adapter, the registry filters, and callers constructing IDs can all
// agree on the same derivation.
func SessionNameFor(projectPath string) string {
	base := filepath.Base(strings.TrimRight(projectPath, "/"))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "session"
	}

	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}

	name := MuxNamespace + b.String()
	if len(name) > maxSessionNameLen {
		name = name[:maxSessionNameLen]
	}
	return name
}

// NewMuxID formats a multiplexed window ID: "mux-{session}:{index}".
func NewMuxID(session string, index int) string {
	return fmt.Sprintf("mux-%s:%d", session, index)
}

// Source identifies which Host kind backs a Window.
type Source int

const (
	SourceDirectPTY Source = iota
	SourceMultiplexed
)

func (s Source) String() string {
	if s == SourceMultiplexed {
		return "multiplexed"
	}
	return "direct-pty"
}

// ParsedID is the result of parsing a window ID per the grammar in §6.
type ParsedID struct {
	Source  Source
	Session string // only set for SourceMultiplexed
	Index   int    // only set for SourceMultiplexed
}

// ParseID recovers (source, session?, index?) from a window ID.
//
// Legacy multiplexed IDs without an ":{index}" suffix are rejected
// rather than silently treated as window 0 — see DESIGN.md Open
// Questions for the reasoning.
func ParseID(id string) (ParsedID, error) {
	switch {
	case strings.HasPrefix(id, "pty-"):
		if len(id) <= len("pty-") {
			return ParsedID{}, fmt.Errorf("%w: empty pty id", ErrInvalid)
		}
		return ParsedID{Source: SourceDirectPTY}, nil

	case strings.HasPrefix(id, "mux-"):
		rest := id[len("mux-"):]
		idx := strings.LastIndexByte(rest, ':')
		if idx < 0 {
			return ParsedID{}, fmt.Errorf("%w: legacy mux id %q missing index", ErrInvalid, id)
		}
		session, indexStr := rest[:idx], rest[idx+1:]
		if session == "" {
			return ParsedID{}, fmt.Errorf("%w: mux id %q missing session", ErrInvalid, id)
		}
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return ParsedID{}, fmt.Errorf("%w: mux id %q has non-numeric index", ErrInvalid, id)
		}
		return ParsedID{Source: SourceMultiplexed, Session: session, Index: index}, nil

	default:
		return ParsedID{}, fmt.Errorf("%w: unrecognized id %q", ErrInvalid, id)
	}
}
