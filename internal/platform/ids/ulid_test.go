package ids

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestULIDMonotonicWithinSameInstant(t *testing.T) {
	gen := ULID()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	prev := gen.NewULID(at)
	for i := 0; i < 100; i++ {
		next := gen.NewULID(at)
		assert.Less(t, prev, next)
		prev = next
	}
	assert.True(t, Valid(prev))
	assert.False(t, Valid("not-a-ulid"))
}
