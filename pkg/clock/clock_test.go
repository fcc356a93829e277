package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualClock(t *testing.T) {
	c := NewManualUnix(1000)
	assert.Equal(t, int64(1000), c.Now().Unix())

	c.Advance(10 * time.Second)
	assert.Equal(t, int64(1010), c.Now().Unix())

	c.Set(time.Unix(5, 0))
	assert.Equal(t, int64(5), c.Now().Unix())
}

func TestSystemClockIsUTC(t *testing.T) {
	assert.Equal(t, time.UTC, NewSystem().Now().Location())
}
