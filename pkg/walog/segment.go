package walog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Kind distinguishes a snapshot segment from a WAL segment, encoded in
// the file's extension.
type Kind int

const (
	KindSnap Kind = iota
	KindWal
)

func (k Kind) ext() string {
	if k == KindSnap {
		return "snap"
	}
	return "xlog"
}

// SegmentName formats the {lsn:020d}.{snap|xlog} name used for every
// on-disk segment, matching the external naming invariant.
func SegmentName(lsn uint64, kind Kind) string {
	return fmt.Sprintf("%020d.%s", lsn, kind.ext())
}

// InProgressName appends the ".inprogress" suffix a segment carries
// from creation until its first fsync+rename.
func InProgressName(lsn uint64, kind Kind) string {
	return SegmentName(lsn, kind) + ".inprogress"
}

var segmentPattern = regexp.MustCompile(`^(\d{20})\.(snap|xlog)$`)

// Segment describes one discovered on-disk file.
type Segment struct {
	LSN  uint64
	Kind Kind
	Path string
}

// ScanDir lists every finalized (non-.inprogress) segment in dir in
// ascending LSN order, classifying each by its snap/xlog extension —
// the directory scan step of recovery's LoadingSnap/LoadingWal phases.
func ScanDir(dir string) ([]Segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var segs []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := segmentPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		lsn, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		kind := KindWal
		if m[2] == "snap" {
			kind = KindSnap
		}
		segs = append(segs, Segment{LSN: lsn, Kind: kind, Path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].LSN < segs[j].LSN })
	return segs, nil
}

// LatestSnapshot returns the highest-LSN snapshot segment in segs, if
// any.
func LatestSnapshot(segs []Segment) (Segment, bool) {
	var best Segment
	found := false
	for _, s := range segs {
		if s.Kind == KindSnap && (!found || s.LSN > best.LSN) {
			best, found = s, true
		}
	}
	return best, found
}

// WalsAfter returns every WAL segment with LSN strictly greater than
// after, in ascending order — the set that must be replayed on top of a
// loaded snapshot.
func WalsAfter(segs []Segment, after uint64) []Segment {
	var out []Segment
	for _, s := range segs {
		if s.Kind == KindWal && s.LSN > after {
			out = append(out, s)
		}
	}
	return out
}
