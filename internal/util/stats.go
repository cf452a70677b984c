package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide mesh/relay counter set.
var Stats = &stats{}

type stats struct {
	PeersOpened atomic.Int64 // peers whose two channels reached open
	PeersClosed atomic.Int64 // peers torn down for any reason
	MsgsSent    atomic.Int64 // data channel messages written
	MsgsRecv    atomic.Int64 // data channel messages read
	BytesSent   atomic.Int64 // bytes written to data channels
	BytesRecv   atomic.Int64 // bytes read from data channels
	Relayed     atomic.Int64 // envelopes forwarded by the relay
	Dropped     atomic.Int64 // envelopes or messages dropped (unknown target, slow client, full queue)
}

func (s *stats) AddPeer()    { s.PeersOpened.Add(1) }
func (s *stats) RemovePeer() { s.PeersClosed.Add(1) }
func (s *stats) AddRelayed() { s.Relayed.Add(1) }
func (s *stats) AddDropped() { s.Dropped.Add(1) }

func (s *stats) AddSent(n int) {
	s.MsgsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.MsgsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	PeersOpened, PeersClosed int64
	MsgsSent, MsgsRecv       int64
	BytesSent, BytesRecv     int64
	Relayed, Dropped         int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		PeersOpened: s.PeersOpened.Load(),
		PeersClosed: s.PeersClosed.Load(),
		MsgsSent:    s.MsgsSent.Load(),
		MsgsRecv:    s.MsgsRecv.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		Relayed:     s.Relayed.Load(),
		Dropped:     s.Dropped.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs the counters every 10
// seconds when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev Snapshot
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, changed := formatDelta(prev, cur, reportInterval.Seconds()); changed {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatDelta renders the change between two snapshots. The bool is false
// when nothing worth reporting happened.
func formatDelta(prev, cur Snapshot, seconds float64) (string, bool) {
	outS := float64(cur.BytesSent-prev.BytesSent) / seconds
	inS := float64(cur.BytesRecv-prev.BytesRecv) / seconds
	up := cur.PeersOpened - prev.PeersOpened
	down := cur.PeersClosed - prev.PeersClosed
	relayed := cur.Relayed - prev.Relayed
	dropped := cur.Dropped - prev.Dropped

	if up == 0 && down == 0 && relayed == 0 && dropped == 0 && inS <= 10 && outS <= 10 {
		return "", false
	}

	return fmt.Sprintf("In: %s/s | Out: %s/s | Peers: %2d↑ %2d↓ | Relayed: %d (dropped %d)",
		formatBytes(inS),
		formatBytes(outS),
		up,
		down,
		relayed,
		dropped,
	), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
