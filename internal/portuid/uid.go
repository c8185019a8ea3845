// internal/portuid/uid.go
package portuid

import (
	"fmt"
)

// UID is a packed (stream, stage, terminal) identifier.
type UID uint32

// Invalid denotes a disconnected or unresolved terminal.
const Invalid UID = 0xFFFFFFFF

const (
	streamShift = 24
	stageShift  = 12

	MaxStream   = 0xFF
	MaxStage    = 0xFFF
	MaxTerminal = 0xFFF
)

// New packs the three ids. Each must fit its bit field, and the triple must
// not collide with Invalid.
func New(stream, stage, terminal int) (UID, error) {
	if stream < 0 || stream > MaxStream {
		return Invalid, fmt.Errorf("stream id %d out of range [0,%d]", stream, MaxStream)
	}
	if stage < 0 || stage > MaxStage {
		return Invalid, fmt.Errorf("stage id %d out of range [0,%d]", stage, MaxStage)
	}
	if terminal < 0 || terminal > MaxTerminal {
		return Invalid, fmt.Errorf("terminal id %d out of range [0,%d]", terminal, MaxTerminal)
	}
	uid := UID(uint32(stream)<<streamShift | uint32(stage)<<stageShift | uint32(terminal))
	if uid == Invalid {
		return Invalid, fmt.Errorf("stream[%d].stage[%d].terminal[%d] is reserved", stream, stage, terminal)
	}
	return uid, nil
}

// MustNew is New for ids known to be in range.
func MustNew(stream, stage, terminal int) UID {
	uid, err := New(stream, stage, terminal)
	if err != nil {
		panic(err)
	}
	return uid
}

// Parts unpacks the identifier.
func (u UID) Parts() (stream, stage, terminal int) {
	return int(uint32(u) >> streamShift), int(uint32(u)>>stageShift) & MaxStage, int(uint32(u)) & MaxTerminal
}

// Stream returns the pipe stream id.
func (u UID) Stream() int {
	s, _, _ := u.Parts()
	return s
}

// Stage returns the stage id.
func (u UID) Stage() int {
	_, s, _ := u.Parts()
	return s
}

// Terminal returns the terminal id.
func (u UID) Terminal() int {
	_, _, t := u.Parts()
	return t
}

// Valid reports whether u is connected.
func (u UID) Valid() bool {
	return u != Invalid
}

// String serializes the UID into its canonical text form.
func (u UID) String() string {
	if u == Invalid {
		return invalidText
	}
	stream, stage, terminal := u.Parts()
	return fmt.Sprintf("stream[%d].stage[%d].terminal[%d]", stream, stage, terminal)
}
