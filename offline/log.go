package offline

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `offline` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - going offline and coming back online
//     - abnormal exits
// Error:
//     unrecoverable details and alerts
//     this includes:
//     - malformed responses
//     - side effect responses missing credentials
// Debug:
//     key events for trace debugging
//     this includes:
//     - enqueue, dispatch, resolve with entry ids that can be used to filter

const LogLevelUrgent = 0
const LogLevelInfo = 50
const LogLevelDebug = 100

// glog verbosity used for each level
func logVerbosity(level int) glog.Level {
	switch {
	case level <= LogLevelUrgent:
		return 0
	case level <= LogLevelInfo:
		return 1
	default:
		return 2
	}
}

type LogFunction func(string, ...any)

func LogFn(level int, tag string) LogFunction {
	v := logVerbosity(level)
	return func(format string, a ...any) {
		if glog.V(v) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(level int, log LogFunction, tag string) LogFunction {
	v := logVerbosity(level)
	return func(format string, a ...any) {
		if glog.V(v) {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
