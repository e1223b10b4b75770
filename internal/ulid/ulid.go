// Package ulid implements the lexicographically sortable 26-character
// identifiers used for action_id, lease_id, and other ordered
// identifiers across the runtime (spec §4.A).
//
// The encoding follows the published ULID layout: a 48-bit millisecond
// timestamp followed by 80 bits of randomness, rendered as 26 characters of
// Crockford's base32 alphabet (no padding, case-insensitive, excludes
// I/L/O/U to avoid transcription errors). No third-party ULID library
// appears anywhere in the retrieval pack (only unordered github.com/google/uuid),
// so this is a small hand-rolled encoder rather than an unretrieved
// dependency — see DESIGN.md.
package ulid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/arw-hub/agenthub/internal/clock"
)

const (
	encoding   = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	encodedLen = 26
	timeBytes  = 6
	randBytes  = 10
)

// ErrInvalidLength is returned by Time when the input isn't 26 characters
// (or holds a character outside the encoding alphabet).
var ErrInvalidLength = errors.New("ulid: invalid length")

// Generator produces monotonically increasing ULIDs even when multiple IDs
// are minted within the same millisecond: the random component is
// incremented by one instead of re-randomized, guaranteeing strict
// ordering for a single process (spec: "event_id is also an unsigned
// journal offset for ordering").
type Generator struct {
	mu       sync.Mutex
	clock    clock.Clock
	lastMS   int64
	lastRand [randBytes]byte
}

// NewGenerator returns a Generator using the given clock.
func NewGenerator(c clock.Clock) *Generator {
	return &Generator{clock: c}
}

// New mints a new ULID, guaranteed greater than any ULID previously minted
// by this Generator.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.clock.Now().UnixMilli()
	if ms <= g.lastMS {
		// Same or (clock skew) earlier millisecond: increment the random
		// tail to preserve strict monotonicity.
		incrementRandom(&g.lastRand)
		ms = g.lastMS
	} else {
		g.lastMS = ms
		if _, err := rand.Read(g.lastRand[:]); err != nil {
			// crypto/rand failure is a fatal environment error; fall back to a
			// zeroed tail rather than panicking the caller.
			g.lastRand = [randBytes]byte{}
		}
	}
	return encode(ms, g.lastRand)
}

func incrementRandom(b *[randBytes]byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

func encode(ms int64, randPart [randBytes]byte) string {
	var buf [timeBytes + randBytes]byte
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(ms))
	copy(buf[:timeBytes], tsBuf[8-timeBytes:])
	copy(buf[timeBytes:], randPart[:])

	var out [encodedLen]byte
	encodeBase32(buf, &out)
	return string(out[:])
}

// encodeBase32 packs the 16 input bytes (128 bits) into 26 base32 characters.
func encodeBase32(in [timeBytes + randBytes]byte, out *[encodedLen]byte) {
	out[0] = encoding[(in[0]&224)>>5]
	out[1] = encoding[in[0]&31]
	out[2] = encoding[(in[1]&248)>>3]
	out[3] = encoding[((in[1]&7)<<2)|((in[2]&192)>>6)]
	out[4] = encoding[(in[2]&62)>>1]
	out[5] = encoding[((in[2]&1)<<4)|((in[3]&240)>>4)]
	out[6] = encoding[((in[3]&15)<<1)|((in[4]&128)>>7)]
	out[7] = encoding[(in[4]&124)>>2]
	out[8] = encoding[((in[4]&3)<<3)|((in[5]&224)>>5)]
	out[9] = encoding[in[5]&31]
	out[10] = encoding[(in[6]&248)>>3]
	out[11] = encoding[((in[6]&7)<<2)|((in[7]&192)>>6)]
	out[12] = encoding[(in[7]&62)>>1]
	out[13] = encoding[((in[7]&1)<<4)|((in[8]&240)>>4)]
	out[14] = encoding[((in[8]&15)<<1)|((in[9]&128)>>7)]
	out[15] = encoding[(in[9]&124)>>2]
	out[16] = encoding[((in[9]&3)<<3)|((in[10]&224)>>5)]
	out[17] = encoding[in[10]&31]
	out[18] = encoding[(in[11]&248)>>3]
	out[19] = encoding[((in[11]&7)<<2)|((in[12]&192)>>6)]
	out[20] = encoding[(in[12]&62)>>1]
	out[21] = encoding[((in[12]&1)<<4)|((in[13]&240)>>4)]
	out[22] = encoding[((in[13]&15)<<1)|((in[14]&128)>>7)]
	out[23] = encoding[(in[14]&124)>>2]
	out[24] = encoding[((in[14]&3)<<3)|((in[15]&224)>>5)]
	out[25] = encoding[in[15]&31]
}

// Time extracts the embedded millisecond timestamp from a ULID string
// produced by this package. Returns an error if id is not 26 characters.
func Time(id string) (time.Time, error) {
	if len(id) != encodedLen {
		return time.Time{}, ErrInvalidLength
	}
	var ms int64
	for i := 0; i < 10; i++ {
		v, ok := decodeChar(id[i])
		if !ok {
			return time.Time{}, ErrInvalidLength
		}
		ms = ms<<5 | int64(v)
	}
	// The first symbol only ever carries 3 meaningful bits (the top 3 bits
	// of the 48-bit timestamp's most significant byte), so accumulating 10
	// symbols at 5 bits each yields the 48-bit timestamp directly with
	// always-zero high bits; no further shift is needed.
	return time.UnixMilli(ms).UTC(), nil
}

func decodeChar(c byte) (byte, bool) {
	for i := 0; i < len(encoding); i++ {
		if encoding[i] == c {
			return byte(i), true
		}
	}
	return 0, false
}
