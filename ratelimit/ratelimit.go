// Package ratelimit provides a window-based rate limiter keyed by IP address and
// the networks around it.
package ratelimit

import (
	"net"
	"sync"
	"time"
)

// Classes of an IP address that are counted separately. For IPv4: the address
// itself, its /26 and its /21. For IPv6: its /64, /48 and /32.
const nclasses = 3

var (
	ipv4Masks = [nclasses]net.IPMask{net.CIDRMask(32, 32), net.CIDRMask(26, 32), net.CIDRMask(21, 32)}
	ipv6Masks = [nclasses]net.IPMask{net.CIDRMask(64, 128), net.CIDRMask(48, 128), net.CIDRMask(32, 128)}
)

type key struct {
	class  uint8
	masked [16]byte
}

// Limiter counts events in one or more fixed windows, e.g. the current minute
// and the current day.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

// WindowLimit holds the counters for one window, with a limit per class of IP.
type WindowLimit struct {
	Window time.Duration
	Limits [nclasses]int64
	period int64 // Time/Window of the counts.
	counts map[key]int64
}

// NewAuthFailures returns a limiter for failed authentication attempts: n per
// minute and 10*n per day for an IP, with larger allowances for its networks.
func NewAuthFailures(n int64) *Limiter {
	return &Limiter{
		WindowLimits: []WindowLimit{
			{Window: time.Minute, Limits: [...]int64{n, 2 * n, 4 * n}},
			{Window: 24 * time.Hour, Limits: [...]int64{10 * n, 20 * n, 40 * n}},
		},
	}
}

// Add attempts to count n events for ip. If this would exceed a limit in any
// window, nothing is counted and false is returned.
func (l *Limiter) Add(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(true, ip, tm, n)
}

// CanAdd returns whether n events could be added for ip.
func (l *Limiter) CanAdd(ip net.IP, tm time.Time, n int64) bool {
	return l.checkAdd(false, ip, tm, n)
}

func (l *Limiter) checkAdd(add bool, ip net.IP, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	keys := keysFor(ip)
	for i := range l.WindowLimits {
		wl := &l.WindowLimits[i]
		wl.advance(tm)
		for j, k := range keys {
			if wl.counts[k]+n > wl.Limits[j] {
				return false
			}
		}
	}
	if !add {
		return true
	}
	for i := range l.WindowLimits {
		for _, k := range keys {
			l.WindowLimits[i].counts[k] += n
		}
	}
	return true
}

// Reset clears the count for ip in the current windows, and subtracts it from
// the counts of its networks. Used after a successful authentication.
func (l *Limiter) Reset(ip net.IP, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	keys := keysFor(ip)
	for i := range l.WindowLimits {
		wl := &l.WindowLimits[i]
		if wl.counts == nil || wl.period != tm.UnixNano()/int64(wl.Window) {
			continue
		}
		n := wl.counts[keys[0]]
		for _, k := range keys {
			wl.counts[k] -= n
			if wl.counts[k] <= 0 {
				delete(wl.counts, k)
			}
		}
	}
}

// advance starts a new window with empty counts when tm is past the current one.
func (wl *WindowLimit) advance(tm time.Time) {
	p := tm.UnixNano() / int64(wl.Window)
	if p > wl.period || wl.counts == nil {
		wl.period = p
		wl.counts = map[key]int64{}
	}
}

func keysFor(ip net.IP) [nclasses]key {
	masks := ipv6Masks
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
		masks = ipv4Masks
	}
	var keys [nclasses]key
	for i, m := range masks {
		keys[i].class = uint8(i)
		copy(keys[i].masked[:], ip.Mask(m).To16())
	}
	return keys
}
