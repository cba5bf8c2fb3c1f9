package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

// Level orders log severities; messages below the configured minimum are dropped.
type Level int32

const (
    LevelDebug Level = iota
    LevelInfo
    LevelWarn
    LevelError
)

func (l Level) String() string {
    switch l {
    case LevelDebug:
        return "debug"
    case LevelInfo:
        return "info"
    case LevelWarn:
        return "warn"
    default:
        return "error"
    }
}

var (
    jsonMode atomic.Bool
    minLevel atomic.Int32
)

func init() {
    if os.Getenv("DISCOVERY_LOG_JSON") == "1" || os.Getenv("DISCOVERY_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    minLevel.Store(int32(LevelInfo))
    if v := os.Getenv("DISCOVERY_LOG_LEVEL"); v != "" {
        if lvl, ok := ParseLevel(v); ok { minLevel.Store(int32(lvl)) }
    }
}

// ParseLevel maps debug|info|warn|error (case-insensitive) to a Level.
func ParseLevel(s string) (Level, bool) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        return LevelDebug, true
    case "info", "":
        return LevelInfo, true
    case "warn", "warning":
        return LevelWarn, true
    case "error":
        return LevelError, true
    }
    return LevelInfo, false
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func SetLevel(l Level) { minLevel.Store(int32(l)) }

// Enabled reports whether messages at l are currently emitted.
func Enabled(l Level) bool { return int32(l) >= minLevel.Load() }

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, f, args...) }

func logf(l *log.Logger, level Level, f string, args ...any) {
    if !Enabled(level) { return }
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        b, _ := json.Marshal(map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level.String(),
            "msg":   msg,
        })
        _ = l.Output(3, string(b))
        return
    }
    _ = l.Output(3, strings.ToUpper(level.String())+" "+msg)
}
