package tickets

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/kirinyoku/tix-alloc/internal/clock"
	"golang.org/x/crypto/blake2b"
)

const (
	numberPrefix  = "TKT"
	randomChars   = 8
	checksumBytes = 2
)

// crockford is Crockford's base32 alphabet: no I, L, O or U.
var crockford = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// Generator mints ticket numbers of the form
//
//	TKT-<time>-<counter>-<random>-<check>
//
// where time is the issue instant in base36 milliseconds, counter is a
// process-local sequence, random is 40 bits from crypto/rand and check is a
// keyed blake2b digest over the rest. Numbers are unique in practice; the
// store's unique index is the final word.
type Generator struct {
	key   [32]byte
	clock clock.Clock
	seq   atomic.Uint64
}

func NewGenerator(secret []byte, clk clock.Clock) *Generator {
	return &Generator{
		key:   blake2b.Sum256(secret),
		clock: clk,
	}
}

// Next returns a fresh ticket number.
func (g *Generator) Next() string {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms
		panic(err)
	}

	body := strings.ToUpper(strings.Join([]string{
		numberPrefix,
		strconv.FormatInt(g.clock.Now().UnixMilli(), 36),
		strconv.FormatUint(g.seq.Add(1), 36),
		crockford.EncodeToString(buf[:])[:randomChars],
	}, "-"))

	return body + "-" + g.checksum(body)
}

// Verify reports whether number carries a checksum made with this
// generator's secret. It does not touch the store.
func (g *Generator) Verify(number string) bool {
	i := strings.LastIndexByte(number, '-')
	if i <= 0 || !strings.HasPrefix(number, numberPrefix+"-") {
		return false
	}

	body, sum := number[:i], number[i+1:]
	if len(sum) != checksumBytes*2 {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sum), []byte(g.checksum(body))) == 1
}

func (g *Generator) checksum(body string) string {
	h, err := blake2b.New(checksumBytes, g.key[:])
	if err != nil {
		panic(err)
	}
	h.Write([]byte(body))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}
