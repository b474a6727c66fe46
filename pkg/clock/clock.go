// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package clock provides an injectable time source with a configured
// timezone. Reminder bucket keys are always rendered in that zone so local
// and UTC timestamps never mix in comparisons.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every timing-sensitive component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Location returns the configured timezone.
	Location() *time.Location
}

// Real is a Clock backed by the system clock.
type Real struct {
	loc *time.Location
}

// NewReal creates a system clock in the named timezone. An empty or
// unknown name falls back to UTC.
func NewReal(timezone string) *Real {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	return &Real{loc: loc}
}

// Now returns the current time.
func (r *Real) Now() time.Time { return time.Now() }

// Location returns the configured timezone.
func (r *Real) Location() *time.Location { return r.loc }

// DateBucket renders t as a YYYY-MM-DD key in the clock's zone.
func DateBucket(c Clock, t time.Time) string {
	return t.In(c.Location()).Format("2006-01-02")
}

// HourBucket renders t as a YYYY-MM-DD HH key in the clock's zone.
func HourBucket(c Clock, t time.Time) string {
	return t.In(c.Location()).Format("2006-01-02 15")
}

// IsFriday reports whether t falls on a Friday in the clock's zone.
func IsFriday(c Clock, t time.Time) bool {
	return t.In(c.Location()).Weekday() == time.Friday
}

// Mock is a frozen Clock for tests. Advance moves it forward explicitly.
type Mock struct {
	mu  sync.Mutex
	now time.Time
	loc *time.Location
}

// NewMock creates a mock clock frozen at now, in UTC.
func NewMock(now time.Time) *Mock {
	return &Mock{now: now, loc: time.UTC}
}

// Now returns the frozen time.
func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Location returns the mock's timezone.
func (m *Mock) Location() *time.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loc
}

// SetLocation changes the mock's timezone.
func (m *Mock) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loc = loc
}

// Advance moves the frozen time forward by d and returns the new time.
func (m *Mock) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// Set jumps the frozen time to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
