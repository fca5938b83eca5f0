package walwriter

import "testing"

func TestEncodeDecodePackRoundTrip(t *testing.T) {
	pack := WalPack{Epoch: 7, Seq: 3, Rows: [][]byte{[]byte("a"), []byte("bb")}}
	buf := encodePack(pack)

	got, err := decodePack(buf)
	if err != nil {
		t.Fatalf("decodePack: %v", err)
	}
	if got.Epoch != 7 || got.Seq != 3 {
		t.Fatalf("got epoch=%d seq=%d", got.Epoch, got.Seq)
	}
	if len(got.Rows) != 2 || string(got.Rows[0]) != "a" || string(got.Rows[1]) != "bb" {
		t.Fatalf("got rows %v", got.Rows)
	}
}

func TestEncodeDecodeReplyRoundTrip(t *testing.T) {
	reply := WalPackReply{Epoch: 1, Seq: 2, AssignedLSN: 10, SCN: 4, RowCRCHistory: []uint32{111, 222}}
	buf := encodeReply(reply)

	got, err := decodeReply(buf)
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if got.AssignedLSN != 10 || got.SCN != 4 {
		t.Fatalf("got %+v", got)
	}
	if len(got.RowCRCHistory) != 2 || got.RowCRCHistory[0] != 111 || got.RowCRCHistory[1] != 222 {
		t.Fatalf("crc history = %v", got.RowCRCHistory)
	}
}

func TestEncodeDecodeReplyErrorField(t *testing.T) {
	reply := WalPackReply{Epoch: 1, Seq: 1, Err: "disk full"}
	got, err := decodeReply(encodeReply(reply))
	if err != nil {
		t.Fatalf("decodeReply: %v", err)
	}
	if got.Err != "disk full" {
		t.Fatalf("Err = %q", got.Err)
	}
}

func TestOpenOrCreateSegmentWritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()

	f1, path1, err := openOrCreateSegment(dir, 2)
	if err != nil {
		t.Fatalf("openOrCreateSegment: %v", err)
	}
	info1, _ := f1.Stat()
	f1.Close()

	f2, path2, err := openOrCreateSegment(dir, 2)
	if err != nil {
		t.Fatalf("openOrCreateSegment (reopen): %v", err)
	}
	info2, _ := f2.Stat()
	f2.Close()

	if path1 != path2 {
		t.Fatalf("paths differ: %q vs %q", path1, path2)
	}
	if info2.Size() != info1.Size() {
		t.Fatalf("reopen should not rewrite the header: size %d vs %d", info2.Size(), info1.Size())
	}
}

func TestIsChildArg(t *testing.T) {
	if !IsChildArg("-walwriter-fd=3") {
		t.Fatalf("expected -walwriter-fd=3 to be recognized")
	}
	if IsChildArg("-some-other-flag") {
		t.Fatalf("did not expect -some-other-flag to be recognized")
	}
}
