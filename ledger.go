package tact

import (
	"encoding/binary"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/learn-decentralized-systems/toytlv"

	"github.com/ngdplib/tact/utils"
)

// ledger is a persistent memo of verified cache entries, keyed by cache
// path. A hit whose recorded size and mtime still match the file lets
// validation skip re-hashing. The ledger is advisory: every failure
// degrades to direct hashing and never fails a request.
//
// Values are TLV records: S size, T mtime, M md5.
type ledger struct {
	db  *pebble.DB
	log utils.Logger
}

func openLedger(dir string, log utils.Logger) *ledger {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		log.Warn("verification ledger unavailable", "dir", dir, "error", err)
		return nil
	}
	return &ledger{db: db, log: log}
}

func ledgerKey(path string) []byte {
	return append([]byte{'V'}, path...)
}

// recordDigest remembers a verified digest for the file's current stat.
func (l *ledger) recordDigest(path string, size int64, mtime time.Time, digest []byte) {
	if l == nil {
		return
	}
	var sz, mt [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(size))
	binary.BigEndian.PutUint64(mt[:], uint64(mtime.UnixNano()))
	val := toytlv.Concat(
		toytlv.Record('S', sz[:]),
		toytlv.Record('T', mt[:]),
		toytlv.Record('M', digest),
	)
	if err := l.db.Set(ledgerKey(path), val, pebble.NoSync); err != nil {
		l.log.Warn("ledger write failed", "path", path, "error", err)
	}
}

// knownDigest returns the recorded digest when the file still matches the
// stat captured at verification time.
func (l *ledger) knownDigest(path string, size int64, mtime time.Time) ([]byte, bool) {
	if l == nil {
		return nil, false
	}
	val, closer, err := l.db.Get(ledgerKey(path))
	if err != nil {
		return nil, false
	}
	defer closer.Close()

	szBody, rest := toytlv.Take('S', val)
	mtBody, rest := toytlv.Take('T', rest)
	digest, _ := toytlv.Take('M', rest)
	if szBody == nil || mtBody == nil || digest == nil {
		return nil, false
	}
	if binary.BigEndian.Uint64(szBody) != uint64(size) ||
		binary.BigEndian.Uint64(mtBody) != uint64(mtime.UnixNano()) {
		return nil, false
	}
	out := make([]byte, len(digest))
	copy(out, digest)
	return out, true
}

// forget drops a path's record, used when its file is deleted as corrupt.
func (l *ledger) forget(path string) {
	if l == nil {
		return
	}
	_ = l.db.Delete(ledgerKey(path), pebble.NoSync)
}

func (l *ledger) metrics() *pebble.Metrics {
	if l == nil {
		return nil
	}
	return l.db.Metrics()
}

func (l *ledger) close() {
	if l == nil {
		return
	}
	_ = l.db.Close()
}
