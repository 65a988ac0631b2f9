package canvas

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logging convention in the `canvas` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation
//     this includes:
//     - subscription loss and reconnect attempts
//     - rejected writes and dropped records
// Error:
//     unrecoverable crash details
// Debug (V(1), V(2)):
//     key events for trace debugging with ids that can be used to filter
//     frequent events - e.g. apply, flush, resolve - are V(2)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// millisecond timestamps used for conflict resolution
type UpdateTime = int64

func NowUpdateTime() UpdateTime {
	return time.Now().UnixMilli()
}

// assigns `updatedAt` values for local edits.
// values never decrease within a session even if the wall clock steps back,
// and successive ticks are strictly increasing
type SessionClock struct {
	mutex      sync.Mutex
	lastMillis UpdateTime
}

func NewSessionClock() *SessionClock {
	return &SessionClock{}
}

func (self *SessionClock) Now() UpdateTime {
	return self.now(time.Now())
}

func (self *SessionClock) now(t time.Time) UpdateTime {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	millis := t.UnixMilli()
	if millis <= self.lastMillis {
		millis = self.lastMillis + 1
	}
	self.lastMillis = millis
	return millis
}

// advance the clock past a remote timestamp so that the next local edit
// compares newer than everything already observed
func (self *SessionClock) Observe(millis UpdateTime) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.lastMillis < millis {
		self.lastMillis = millis
	}
}
