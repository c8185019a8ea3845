// internal/portuid/parser.go
package portuid

import (
	"fmt"
	"regexp"
	"strconv"
)

const invalidText = "invalid"

var uidRegex = regexp.MustCompile(`^stream\[(\d+)\]\.stage\[(\d+)\]\.terminal\[(\d+)\]$`)

// Parse is the inverse of UID.String.
func Parse(raw string) (UID, error) {
	if raw == "" {
		return Invalid, fmt.Errorf("port uid cannot be empty")
	}
	if raw == invalidText {
		return Invalid, nil
	}

	matches := uidRegex.FindStringSubmatch(raw)
	if matches == nil {
		return Invalid, fmt.Errorf("invalid port uid format: %q", raw)
	}

	ids := make([]int, 3)
	for i := range ids {
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return Invalid, fmt.Errorf("invalid number in port uid %q: %w", raw, err)
		}
		ids[i] = n
	}
	return New(ids[0], ids[1], ids[2])
}
