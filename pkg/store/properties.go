package store

import (
    "strconv"
    "time"
)

// Properties are the string-valued attributes of one node.
type Properties map[string]string

// Clone returns an independent copy.
func (p Properties) Clone() Properties {
    out := make(Properties, len(p))
    for k, v := range p { out[k] = v }
    return out
}

// Equal reports whether both maps hold the same key/value pairs.
func (p Properties) Equal(o Properties) bool {
    if len(p) != len(o) { return false }
    for k, v := range p {
        if ov, ok := o[k]; !ok || ov != v { return false }
    }
    return true
}

// Time decodes a timestamp written with FormatTime.
func (p Properties) Time(key string) (time.Time, bool) {
    v, ok := p[key]
    if !ok || v == "" { return time.Time{}, false }
    ms, err := strconv.ParseInt(v, 10, 64)
    if err != nil { return time.Time{}, false }
    return time.UnixMilli(ms), true
}

// Bool decodes a boolean; absent or malformed values report ok=false.
func (p Properties) Bool(key string) (value bool, ok bool) {
    v, present := p[key]
    if !present { return false, false }
    b, err := strconv.ParseBool(v)
    if err != nil { return false, false }
    return b, true
}

// Int64 decodes an integer property.
func (p Properties) Int64(key string) (int64, bool) {
    v, ok := p[key]
    if !ok { return 0, false }
    n, err := strconv.ParseInt(v, 10, 64)
    if err != nil { return 0, false }
    return n, true
}

// FormatTime encodes t as unix milliseconds.
func FormatTime(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// FormatBool encodes b.
func FormatBool(b bool) string { return strconv.FormatBool(b) }
