package chaos

import (
	"math/rand"
	"time"

	"tradecore/internal/schema"
)

// Record wraps a WAL record for chaos processing.
type Record struct {
	Header  schema.EventHeader
	Payload []byte
}

// NewRecordEngine creates an engine that delays receive timestamps and flips
// payload bytes.
func NewRecordEngine(cfg Config) (*Engine[Record], error) {
	return NewEngine(cfg, WithDelay(delayRecord), WithCorrupt(corruptRecord))
}

func delayRecord(r Record, d time.Duration) Record {
	if r.Header.TsRecv > 0 {
		r.Header.TsRecv += int64(d)
		return r
	}
	if r.Header.TsEvent > 0 {
		r.Header.TsRecv = r.Header.TsEvent + int64(d)
	}
	return r
}

// corruptRecord truncates a copy of the payload or flips the instrument id.
// The framing stays valid, so the damage only surfaces on replay.
func corruptRecord(r Record, rng *rand.Rand) Record {
	if len(r.Payload) == 0 {
		return r
	}
	cp := make([]byte, len(r.Payload))
	copy(cp, r.Payload)
	switch rng.Intn(2) {
	case 0:
		cp = cp[:rng.Intn(len(cp))]
	default:
		cp[0] ^= 0xff
	}
	r.Payload = cp
	return r
}
