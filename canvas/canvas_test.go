package canvas

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestIdJson(t *testing.T) {
	id := NewId()

	b, err := json.Marshal(&id)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(b), 38)

	var parsed Id
	err = json.Unmarshal(b, &parsed)
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)
}

func TestIdParse(t *testing.T) {
	id := NewId()

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = ParseId("not-a-uuid")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, id.IsZero(), false)
}

func TestSessionClockMonotonic(t *testing.T) {
	clock := NewSessionClock()

	start := time.UnixMilli(10000)
	assert.Equal(t, clock.now(start), UpdateTime(10000))

	// the wall clock stepping back never decreases the session clock, and
	// successive ticks are strictly increasing
	assert.Equal(t, clock.now(start.Add(-5*time.Second)), UpdateTime(10001))
	assert.Equal(t, clock.now(start), UpdateTime(10002))
	assert.Equal(t, clock.now(start.Add(time.Second)), UpdateTime(11000))
}

func TestSessionClockObserve(t *testing.T) {
	clock := NewSessionClock()

	start := time.UnixMilli(10000)
	clock.now(start)

	// after observing a remote timestamp the next local tick compares newer
	clock.Observe(20000)
	assert.Equal(t, clock.now(start), UpdateTime(20001))

	// observing the past is a no-op
	clock.Observe(15000)
	assert.Equal(t, clock.now(start), UpdateTime(20002))
}
