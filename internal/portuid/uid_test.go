// internal/portuid/uid_test.go
package portuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestUID_String(t *testing.T) {
	testCases := []struct {
		name        string
		uid         UID
		expectedStr string
	}{
		{name: "zero", uid: MustNew(0, 0, 0), expectedStr: "stream[0].stage[0].terminal[0]"},
		{name: "mixed", uid: MustNew(1, 5, 3), expectedStr: "stream[1].stage[5].terminal[3]"},
		{name: "max fields", uid: MustNew(254, MaxStage, MaxTerminal), expectedStr: "stream[254].stage[4095].terminal[4095]"},
		{name: "invalid", uid: Invalid, expectedStr: "invalid"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expectedStr, tc.uid.String())
		})
	}
}

func TestNew_Errors(t *testing.T) {
	testCases := []struct {
		name                    string
		stream, stage, terminal int
	}{
		{name: "negative stream", stream: -1},
		{name: "stream overflow", stream: MaxStream + 1},
		{name: "stage overflow", stage: MaxStage + 1},
		{name: "terminal overflow", terminal: MaxTerminal + 1},
		{name: "reserved", stream: MaxStream, stage: MaxStage, terminal: MaxTerminal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			uid, err := New(tc.stream, tc.stage, tc.terminal)
			require.Error(t, err)
			assert.False(t, uid.Valid())
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []string{"", "stream[1].stage[2]", "stream[a].stage[2].terminal[3]", "stream[999].stage[2].terminal[3]"} {
		t.Run(raw, func(t *testing.T) {
			_, err := Parse(raw)
			assert.Error(t, err)
		})
	}

	uid, err := Parse("invalid")
	require.NoError(t, err)
	assert.Equal(t, Invalid, uid)
}

func TestUID_RoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		stream := rapid.IntRange(0, MaxStream-1).Draw(t, "stream")
		stage := rapid.IntRange(0, MaxStage).Draw(t, "stage")
		terminal := rapid.IntRange(0, MaxTerminal).Draw(t, "terminal")

		uid, err := New(stream, stage, terminal)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		s, g, term := uid.Parts()
		if s != stream || g != stage || term != terminal {
			t.Fatalf("parts mismatch: got (%d,%d,%d)", s, g, term)
		}
		parsed, err := Parse(uid.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", uid.String(), err)
		}
		if parsed != uid {
			t.Fatalf("round trip %v != %v", parsed, uid)
		}
	})
}
