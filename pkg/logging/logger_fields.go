package logging

import (
	"fmt"
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Component names the subsystem emitting the entry (dispatch, election, lock, ...).
func Component(name string) Field {
	return String("component", name)
}

// Member renders a cluster member with its String method when it has one.
func Member(key string, m any) Field {
	if s, ok := m.(fmt.Stringer); ok {
		return String(key, s.String())
	}
	return Field{Key: key, Value: m}
}

// State records an election state name.
func State(s fmt.Stringer) Field {
	return String("state", s.String())
}

// Token records a leader token generation.
func Token(key string, t int64) Field {
	return Field{Key: key, Value: t}
}

// LockID records a lock identifier; the global lock is rendered as "<global>".
func LockID(id string) Field {
	if id == "" {
		return String("lock_id", "<global>")
	}
	return String("lock_id", id)
}

func Command(kind string) Field {
	return String("command", kind)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

func Path(p string) Field {
	return String("path", p)
}
