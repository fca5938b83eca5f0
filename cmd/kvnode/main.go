// Command kvnode launches one storage node: it replays the on-disk
// snapshot/WAL for every bootstrap table, then starts either each
// table's own WAL writer (primary) or a replication puller (follower),
// and serves the iproto listener. The launcher itself stays minimal
// (flags and wiring only), per spec.md §1's scope boundary.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/bobboyms/storage-engine/pkg/index"
	"github.com/bobboyms/storage-engine/pkg/ioloop"
	"github.com/bobboyms/storage-engine/pkg/iproto"
	"github.com/bobboyms/storage-engine/pkg/netbuf"
	"github.com/bobboyms/storage-engine/pkg/recovery"
	"github.com/bobboyms/storage-engine/pkg/replication"
	"github.com/bobboyms/storage-engine/pkg/storage"
	"github.com/bobboyms/storage-engine/pkg/walog"
	"github.com/bobboyms/storage-engine/pkg/walwriter"
)

// bootstrapTable is the one table this launcher registers at startup,
// since creating tables has no wire opcode of its own: a {key, value}
// document collection keyed uniquely on "key".
func bootstrapTable(engine *storage.StorageEngine, shardID uint32, follower bool) (*storage.Table, error) {
	defs := []storage.IndexDef{
		{Name: "key", Kind: index.KindTreeU64, Unique: true, Primary: true, FieldPos: 0},
	}
	if follower {
		return engine.CreateFollowerTable("kv", []string{"key", "value"}, defs, shardID)
	}
	return engine.CreateTable("kv", []string{"key", "value"}, defs, shardID)
}

func main() {
	if len(os.Args) > 1 && walwriter.IsChildArg(os.Args[1]) {
		walwriter.RunChild(os.Args[1]) // never returns
		return
	}
	if len(os.Args) > 1 && recovery.IsSnapshotChildArg(os.Args[1]) {
		dir := os.Getenv("SNAPSHOT_DIR")
		var lsn uint64
		fmt.Sscanf(os.Getenv("SNAPSHOT_LSN"), "%d", &lsn)
		if err := recovery.RunSnapshotChild(dir, lsn); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	dataDir := flag.String("data-dir", ".", "directory holding snapshot and WAL segments")
	listenAddr := flag.String("listen", "127.0.0.1:3301", "iproto listen address")
	feederAddr := flag.String("feeder", "", "if set, run as a follower replicating from this address")
	shardID := flag.Uint64("shard", 0, "shard id for the bootstrap table")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer logger.Sync()

	engine, err := storage.NewStorageEngine(*dataDir)
	if err != nil {
		logger.Fatal("failed to create storage engine", zap.Error(err))
	}
	engine.SetLogger(logger)
	defer engine.Close()

	follower := *feederAddr != ""
	table, err := bootstrapTable(engine, uint32(*shardID), follower)
	if err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}
	logger.Info("recovery complete", zap.Int64("lsn", table.LastLSN()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if follower {
		puller := replication.New(replication.Options{Addr: *feederAddr, FilterName: "all", Logger: logger}, func(row *walog.Row) error {
			return table.ApplyRow(int64(row.LSN), row.Data)
		})
		go func() {
			if err := puller.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("replication puller exited", zap.Error(err))
			}
		}()
	}

	dispatch := iproto.NewDispatch(16)
	dispatch.Register(iproto.OpPing, func(req *iproto.Request, q *netbuf.Queue) {
		rb := iproto.Start(q, req.Opcode, req.Sync)
		rb.WriteRetCode(0)
		rb.Fixup(0)
	})
	registerDataHandlers(dispatch, engine, logger)

	pool := iproto.NewPool(8, 64)
	defer pool.Close()
	bufPool := netbuf.NewPool(8192)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	logger.Info("listening", zap.String("addr", *listenAddr))

	go acceptLoop(ln, pool, dispatch, bufPool, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	logger.Info("shutting down")
	ln.Close()
	cancel()
}

func acceptLoop(ln net.Listener, pool *iproto.Pool, dispatch *iproto.Dispatch, bufPool *netbuf.Pool, logger *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := ioloop.New(conn, pool, dispatch, bufPool)
		go c.Serve()
	}
}

