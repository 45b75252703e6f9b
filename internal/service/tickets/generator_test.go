package tickets

import (
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/kirinyoku/tix-alloc/internal/clock"
	"github.com/kirinyoku/tix-alloc/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var numberPattern = regexp.MustCompile(`^TKT-[0-9A-Z]+-[0-9A-Z]+-[0-9A-HJKMNP-TV-Z]{8}-[0-9A-F]{4}$`)

func TestGenerator_Next(t *testing.T) {
	t.Parallel()

	g := NewGenerator([]byte("secret"), clock.NewManual(testutil.Epoch))

	n := g.Next()
	assert.Regexp(t, numberPattern, n)
	assert.True(t, g.Verify(n))
}

func TestGenerator_UniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	// a frozen clock leaves the counter and the random part to keep numbers apart
	g := NewGenerator([]byte("secret"), clock.NewManual(testutil.Epoch))

	const (
		workers = 8
		each    = 500
	)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, workers*each)
	)

	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()

			local := make([]string, 0, each)
			for range each {
				local = append(local, g.Next())
			}

			mu.Lock()
			defer mu.Unlock()
			for _, n := range local {
				seen[n] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*each)
}

func TestGenerator_Verify(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(testutil.Epoch)
	g := NewGenerator([]byte("secret"), clk)
	n := g.Next()

	i := strings.LastIndexByte(n, '-')
	require.Positive(t, i)

	flip := func(s string, at int) string {
		b := []byte(s)
		if b[at] == 'A' {
			b[at] = 'B'
		} else {
			b[at] = 'A'
		}
		return string(b)
	}

	tests := []struct {
		name   string
		number string
		want   bool
	}{
		{name: "genuine", number: n, want: true},
		{name: "other secret", number: NewGenerator([]byte("other"), clk).Next(), want: false},
		{name: "tampered body", number: flip(n, i-1), want: false},
		{name: "tampered checksum", number: flip(n, len(n)-1), want: false},
		{name: "missing checksum", number: n[:i], want: false},
		{name: "wrong prefix", number: "ABC" + n[3:], want: false},
		{name: "empty", number: "", want: false},
		{name: "garbage", number: "TKT-", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Verify(tt.number))
		})
	}
}
