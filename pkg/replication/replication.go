// Package replication implements the follower side of the async
// primary-to-follower protocol: handshake by SCN, streamed row
// application, exponential-backoff reconnect, and a lag metric.
package replication

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/walog"
)

// FilterKind identifies the optional shard/table filter a follower can
// request, matching the handshake's {filter_type, filter_arglen,
// filter_arg} tail.
type FilterKind uint8

const (
	FilterNone FilterKind = iota
	FilterShard
	FilterTable
)

// Handshake is what a follower sends when opening a stream.
type Handshake struct {
	Version    uint32
	SCN        uint64
	FilterName string
	FilterKind FilterKind
	FilterArg  []byte
}

// Apply applies one streamed row to the follower's local state,
// supplied by the engine's executor wiring.
type Apply func(row *walog.Row) error

// Options configures a Puller.
type Options struct {
	Addr           string
	FilterName     string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *zap.Logger
	Registerer     prometheus.Registerer
}

// Puller maintains a follower's connection to its feeder, reconnecting
// with exponential backoff and tracking the upstream-minus-applied SCN
// gap as a Prometheus gauge.
type Puller struct {
	opts     Options
	logger   *zap.Logger
	apply    Apply
	localLSN uint64

	currentSCN  uint64
	upstreamSCN uint64

	lagGauge prometheus.Gauge
}

// New creates a puller. opts.Registerer may be nil, in which case the
// lag gauge is created but never registered with a collector.
func New(opts Options, apply Apply) *Puller {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "replication_lag_scn",
		Help: "Upstream SCN minus locally applied SCN for this follower.",
	})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(gauge)
	}

	return &Puller{opts: opts, logger: logger, apply: apply, lagGauge: gauge}
}

// CurrentSCN returns the last applied upstream SCN, used to resume a
// handshake after a reconnect.
func (p *Puller) CurrentSCN() uint64 { return atomic.LoadUint64(&p.currentSCN) }

// Run drives the connect/stream/reconnect loop until ctx is canceled.
func (p *Puller) Run(ctx context.Context) error {
	backoff := p.opts.InitialBackoff
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := p.runOnce(ctx)
		if err == nil {
			return nil // ctx canceled cleanly mid-stream
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p.logger.Warn("replication stream ended, reconnecting",
			zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

func (p *Puller) runOnce(ctx context.Context) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", p.opts.Addr)
	if err != nil {
		return fmt.Errorf("replication: dial %s: %w", p.opts.Addr, err)
	}
	defer conn.Close()

	hs := Handshake{Version: uint32(walog.CurrentVersion), SCN: p.CurrentSCN(), FilterName: p.opts.FilterName}
	if err := writeHandshake(conn, hs); err != nil {
		return fmt.Errorf("replication: handshake: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("replication: handshake ack: %w", err)
	}
	if ack[0] != 0 {
		return fmt.Errorf("replication: feeder rejected handshake, code %d", ack[0])
	}

	p.logger.Info("replication stream established", zap.String("addr", p.opts.Addr), zap.Uint64("scn", hs.SCN))

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		row, err := readStreamedRow(r)
		if err != nil {
			return err
		}

		if row.SCN <= p.CurrentSCN() {
			continue // idempotent discard: feeder may start slightly before the requested SCN
		}

		p.localLSN++
		row.LSN = p.localLSN
		if err := p.apply(row); err != nil {
			return fmt.Errorf("replication: applying row scn=%d: %w", row.SCN, err)
		}

		atomic.StoreUint64(&p.currentSCN, row.SCN)
		if row.RemoteSCN > atomic.LoadUint64(&p.upstreamSCN) {
			atomic.StoreUint64(&p.upstreamSCN, row.RemoteSCN)
		}
		p.lagGauge.Set(float64(atomic.LoadUint64(&p.upstreamSCN)) - float64(row.SCN))
	}
}

// writeHandshake serializes a Handshake: ver, scn, filter_name, then
// the filter tail (kind byte and length-prefixed argument), which is
// always written, with FilterNone and an empty argument when unused.
func writeHandshake(w io.Writer, hs Handshake) error {
	buf := make([]byte, 0, 64)
	buf = appendU32(buf, hs.Version)
	buf = appendU64(buf, hs.SCN)
	buf = appendString(buf, hs.FilterName)
	buf = append(buf, byte(hs.FilterKind))
	buf = appendString(buf, string(hs.FilterArg))
	_, err := w.Write(buf)
	return err
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}

// readStreamedRow reads one length-prefixed walog row frame from the
// feeder's stream (the feeder side writes these via WriteStreamedRow).
func readStreamedRow(r *bufio.Reader) (*walog.Row, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	row, _, err := walog.DecodeRow(buf)
	if err != nil {
		return nil, err
	}
	return row, nil
}

// WriteStreamedRow is the feeder-side counterpart to readStreamedRow,
// used by the primary's replication server to push one row to a
// connected follower.
func WriteStreamedRow(w io.Writer, row *walog.Row) error {
	encoded := row.Encode()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(encoded)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(encoded)
	return err
}

// ReadHandshake is the feeder-side counterpart to writeHandshake, used
// by the primary's replication server to parse an incoming follower's
// handshake before starting its stream.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var hs Handshake
	var u32 [4]byte
	var u64 [8]byte

	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return hs, err
	}
	hs.Version = binary.BigEndian.Uint32(u32[:])

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return hs, err
	}
	hs.SCN = binary.BigEndian.Uint64(u64[:])

	name, err := readString(r)
	if err != nil {
		return hs, err
	}
	hs.FilterName = name

	var kind [1]byte
	if _, err := io.ReadFull(r, kind[:]); err != nil {
		return hs, err
	}
	hs.FilterKind = FilterKind(kind[0])

	arg, err := readString(r)
	if err != nil {
		return hs, err
	}
	hs.FilterArg = []byte(arg)

	return hs, nil
}

func readString(r io.Reader) (string, error) {
	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(u32[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}
