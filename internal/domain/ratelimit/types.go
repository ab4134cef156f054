// Package ratelimit provides rate limiting domain types.
package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// Defaults applied when the configuration leaves a field unset.
const (
	DefaultWindow   = 60 * time.Second
	DefaultCapacity = 100
)

// Config defines a fixed window.
type Config struct {
	// Capacity is the number of requests admitted per window.
	Capacity int

	// Window is the window length.
	Window time.Duration
}

// WithDefaults fills zero fields with DefaultCapacity and DefaultWindow.
func (c Config) WithDefaults() Config {
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Result contains the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Count is the number of requests recorded in the current window,
	// including this one when it was allowed.
	Count int

	// Remaining is the number of requests left in the current window.
	Remaining int

	// RetryAfter is the duration until the window resets.
	// Only meaningful when Allowed is false.
	RetryAfter time.Duration

	// ResetAfter is the duration until the window resets.
	ResetAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1
// for a rejected request.
func (r Result) RetryAfterSeconds() int {
	secs := int(math.Ceil(r.RetryAfter.Seconds()))
	if !r.Allowed && secs < 1 {
		secs = 1
	}
	return secs
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeIP is for client-address based rate limiting.
	KeyTypeIP KeyType = "ip"
)

// keyPrefix is the base prefix for all rate limit keys.
const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
// Example: FormatKey(KeyTypeIP, "192.168.1.1") -> "ratelimit:ip:192.168.1.1"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}
