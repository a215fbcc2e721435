package ids

import (
	"crypto/rand"
	"sync"
	"time"

	ulid "github.com/oklog/ulid/v2"
)

type IDGen interface{ NewULID(t time.Time) string }

// 同じミリ秒内でも単調増加させるため entropy を共有する
type ulidGen struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func (g *ulidGen) NewULID(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), g.entropy).String()
}

func ULID() IDGen { return &ulidGen{entropy: ulid.Monotonic(rand.Reader, 0)} }

// Valid は path パラメータの簡易チェック用
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
