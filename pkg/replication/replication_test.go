package replication_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/bobboyms/storage-engine/pkg/replication"
	"github.com/bobboyms/storage-engine/pkg/walog"
)

func TestHandshakeRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sent := replication.Handshake{
		Version: 12, SCN: 42, FilterName: "orders",
		FilterKind: replication.FilterShard, FilterArg: []byte{1, 2, 3},
	}

	done := make(chan replication.Handshake, 1)
	errCh := make(chan error, 1)
	go func() {
		hs, err := replication.ReadHandshake(server)
		if err != nil {
			errCh <- err
			return
		}
		done <- hs
	}()

	if err := writeTestHandshake(client, sent); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	select {
	case err := <-errCh:
		t.Fatalf("ReadHandshake: %v", err)
	case got := <-done:
		if got.Version != sent.Version || got.SCN != sent.SCN || got.FilterName != sent.FilterName {
			t.Fatalf("got %+v, want %+v", got, sent)
		}
		if got.FilterKind != sent.FilterKind || string(got.FilterArg) != string(sent.FilterArg) {
			t.Fatalf("filter fields mismatch: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handshake")
	}
}

func TestPullerAppliesStreamedRowsAndDiscardsStale(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var applied []uint64
	appliedCh := make(chan uint64, 8)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := replication.ReadHandshake(conn); err != nil {
			return
		}
		conn.Write([]byte{0}) // ack

		rows := []*walog.Row{
			{SCN: 1, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("a"), RemoteSCN: 1},
			{SCN: 1, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("stale"), RemoteSCN: 1}, // idempotent discard
			{SCN: 2, Tag: walog.Encode(walog.TagWalData, 0x8000), Data: []byte("b"), RemoteSCN: 2},
		}
		for _, r := range rows {
			if err := replication.WriteStreamedRow(conn, r); err != nil {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}()

	puller := replication.New(replication.Options{
		Addr:           ln.Addr().String(),
		FilterName:     "all",
		InitialBackoff: 10 * time.Millisecond,
	}, func(row *walog.Row) error {
		appliedCh <- row.SCN
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go puller.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case scn := <-appliedCh:
			applied = append(applied, scn)
		case <-time.After(1 * time.Second):
			t.Fatalf("timed out waiting for applied row %d", i)
		}
	}

	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("applied = %v, want [1 2]", applied)
	}
	if puller.CurrentSCN() != 2 {
		t.Fatalf("CurrentSCN = %d, want 2", puller.CurrentSCN())
	}
}

// writeTestHandshake mirrors the unexported writeHandshake in the
// replication package so this external test package can drive
// ReadHandshake directly.
func writeTestHandshake(w interface {
	Write(p []byte) (int, error)
}, hs replication.Handshake) error {
	buf := make([]byte, 0, 64)
	buf = beU32(buf, hs.Version)
	buf = beU64(buf, hs.SCN)
	buf = beString(buf, hs.FilterName)
	buf = append(buf, byte(hs.FilterKind))
	buf = beString(buf, string(hs.FilterArg))
	_, err := w.Write(buf)
	return err
}

func beU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func beU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return append(buf, b...)
}

func beString(buf []byte, s string) []byte {
	buf = beU32(buf, uint32(len(s)))
	return append(buf, s...)
}
