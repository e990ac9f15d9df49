// Package ping measures round-trip time to speedflux endpoints with STUN
// binding requests and picks the nearest one.
package ping

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pion/stun"
)

const (
	DefaultAttempts = 10
	DefaultTimeout  = 300 * time.Millisecond
	maxPacketSize   = 1500
)

// ErrNoReplies is returned when every probe to an endpoint went unanswered.
var ErrNoReplies = errors.New("no STUN replies")

// Options tune a probe.
type Options struct {
	Attempts int
	// Timeout bounds the wait for each individual reply.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = DefaultAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Stats summarises the replies from one endpoint.
type Stats struct {
	Addr     string
	Sent     int
	Received int
	Min      time.Duration
	Avg      time.Duration
	Max      time.Duration
	// Mapped is the client address as seen by the endpoint.
	Mapped *net.UDPAddr
}

// Loss is the fraction of unanswered probes.
func (s Stats) Loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Sent-s.Received) / float64(s.Sent)
}

// Probe sends opts.Attempts binding requests to addr, one at a time.
func Probe(ctx context.Context, addr string, opts Options) (Stats, error) {
	opts = opts.withDefaults()
	stats := Stats{Addr: addr}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return stats, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, maxPacketSize)
	var total time.Duration
	for i := 0; i < opts.Attempts; i++ {
		if ctx.Err() != nil {
			break
		}
		rtt, mapped, err := exchange(conn, buf, opts.Timeout)
		stats.Sent++
		if err != nil {
			continue
		}
		stats.Received++
		stats.Mapped = mapped
		total += rtt
		if stats.Min == 0 || rtt < stats.Min {
			stats.Min = rtt
		}
		if rtt > stats.Max {
			stats.Max = rtt
		}
	}
	if stats.Received == 0 {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		return stats, fmt.Errorf("%s: %w after %d attempts", addr, ErrNoReplies, stats.Sent)
	}
	stats.Avg = total / time.Duration(stats.Received)
	return stats, nil
}

// exchange performs one request/response round trip on a connected socket.
// Stray packets and replies to older transactions are skipped.
func exchange(conn net.Conn, buf []byte, timeout time.Duration) (time.Duration, *net.UDPAddr, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	deadline := time.Now().Add(timeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	start := time.Now()
	if _, err := conn.Write(req.Raw); err != nil {
		return 0, nil, err
	}
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, nil, err
		}
		rtt := time.Since(start)
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID || res.Type != stun.BindingSuccess {
			continue
		}
		var xor stun.XORMappedAddress
		if err := xor.GetFrom(res); err != nil {
			return rtt, nil, nil
		}
		return rtt, &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
}

// Target is an endpoint candidate for Nearest.
type Target struct {
	Name string
	Addr string
}

// Result pairs a target with its probe outcome.
type Result struct {
	Target Target
	Stats  Stats
	Err    error
}

// ProbeAll probes every target concurrently. Results keep target order.
func ProbeAll(ctx context.Context, targets []Target, opts Options) []Result {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			stats, err := Probe(ctx, t.Addr, opts)
			results[i] = Result{Target: t, Stats: stats, Err: err}
		}(i, t)
	}
	wg.Wait()
	return results
}

// Nearest returns the target with the lowest minimum RTT. Ties go to the
// lower average.
func Nearest(ctx context.Context, targets []Target, opts Options) (Result, error) {
	if len(targets) == 0 {
		return Result{}, errors.New("no targets to probe")
	}
	results := ProbeAll(ctx, targets, opts)
	var ok []Result
	for _, r := range results {
		if r.Err == nil {
			ok = append(ok, r)
		}
	}
	if len(ok) == 0 {
		return Result{}, fmt.Errorf("all %d targets failed: %w", len(targets), results[0].Err)
	}
	sort.SliceStable(ok, func(i, j int) bool {
		if ok[i].Stats.Min != ok[j].Stats.Min {
			return ok[i].Stats.Min < ok[j].Stats.Min
		}
		return ok[i].Stats.Avg < ok[j].Stats.Avg
	})
	return ok[0], nil
}
