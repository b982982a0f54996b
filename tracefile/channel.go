package tracefile

import (
	"strconv"
	"strings"
)

// channelIndex extracts the trailing number of a channel name, "can1" -> 1.
func channelIndex(ch string) (int, bool) {
	i := len(ch)
	for i > 0 && ch[i-1] >= '0' && ch[i-1] <= '9' {
		i--
	}
	if i == len(ch) {
		return 0, false
	}
	n, err := strconv.Atoi(ch[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// channelOrDefault returns ch, or def when ch is blank.
func channelOrDefault(ch, def string) string {
	if strings.TrimSpace(ch) == "" {
		return def
	}
	return ch
}
