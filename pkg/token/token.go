// Package token persists the leader election generation and the only-host
// flag. Each node keeps a local store; the arbiter additionally writes a
// witness store on shared storage.
package token

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Token errors
var (
	ErrCorruptToken = errors.New("corrupt token data")
	ErrStoreClosed  = errors.New("token store closed")
)

// LeaderToken is the election generation last written by a host together with
// whether that host was the only active database.
type LeaderToken struct {
	Token    int64 `json:"token"`
	OnlyHost bool  `json:"only_host"`
}

// Copy returns an independent copy of t.
func (t LeaderToken) Copy() LeaderToken {
	return t
}

// Next returns the token for the next election generation.
func (t LeaderToken) Next() LeaderToken {
	return LeaderToken{Token: t.Token + 1, OnlyHost: t.OnlyHost}
}

func (t LeaderToken) String() string {
	return fmt.Sprintf("%d(only_host=%t)", t.Token, t.OnlyHost)
}

// Store persists a LeaderToken. Reads are served from a cache that is only
// refreshed when the backing data changed; writes are skipped when the value
// is unchanged.
type Store interface {
	// Name identifies the store in logs and metrics.
	Name() string
	// Load returns the current token, reloading it if it changed externally.
	Load(ctx context.Context) (LeaderToken, error)
	// Update persists t unless it equals the current token.
	Update(ctx context.Context, t LeaderToken) error
	// SetOnlyHost updates the only-host flag, keeping the token.
	SetOnlyHost(ctx context.Context, onlyHost bool) error
	// Refresh drops the cache so the next Load re-reads the backing data.
	Refresh(ctx context.Context) error
	// Generation increases on every write made through this store.
	Generation() uint64
}

// Marshal renders t in the human editable two line format:
//
//	<token>
//	<1|0>
func Marshal(t LeaderToken) []byte {
	flag := "0"
	if t.OnlyHost {
		flag = "1"
	}
	return []byte(strconv.FormatInt(t.Token, 10) + "\n" + flag + "\n")
}

// Unmarshal parses the two line format. Empty data is the zero token and a
// missing second line means only-host is false.
func Unmarshal(data []byte) (LeaderToken, error) {
	var t LeaderToken
	scanner := bufio.NewScanner(bytes.NewReader(data))

	lines := make([]string, 0, 2)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return t, fmt.Errorf("%w: %v", ErrCorruptToken, err)
	}

	if len(lines) == 0 {
		return t, nil
	}
	if len(lines) > 2 {
		return t, fmt.Errorf("%w: %d lines", ErrCorruptToken, len(lines))
	}

	n, err := strconv.ParseInt(lines[0], 10, 64)
	if err != nil || n < 0 {
		return t, fmt.Errorf("%w: token %q", ErrCorruptToken, lines[0])
	}
	t.Token = n

	if len(lines) == 2 {
		switch lines[1] {
		case "1", "true":
			t.OnlyHost = true
		case "0", "false":
		default:
			return t, fmt.Errorf("%w: only-host flag %q", ErrCorruptToken, lines[1])
		}
	}
	return t, nil
}
