package actions

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrNoDelegators = errors.New("account has no delegators")

var (
	errorMarkerLock sync.Mutex
	lastErrorMarker int64
)

// a user facing error as `{<microsecond timestamp>: translationKey}`
// timestamps are unique within the process so markers merged into the same map never collide
func NewErrorMarker(translationKey string) map[string]any {
	errorMarkerLock.Lock()
	defer errorMarkerLock.Unlock()

	ts := time.Now().UnixMicro()
	if ts <= lastErrorMarker {
		ts = lastErrorMarker + 1
	}
	lastErrorMarker = ts
	return map[string]any{
		strconv.FormatInt(ts, 10): translationKey,
	}
}

// the translation key of the most recent error in a marker map, or empty
func LatestError(marker any) string {
	m, ok := marker.(map[string]any)
	if !ok {
		return ""
	}
	var latestTs int64 = -1
	latest := ""
	for tsStr, value := range m {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if translationKey, ok := value.(string); ok && latestTs < ts {
			latestTs = ts
			latest = translationKey
		}
	}
	return latest
}
