package scheduler

import (
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
)

// cronLogger routes robfig/cron's internal logging through arbor
type cronLogger struct {
	logger arbor.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Str("fields", formatKeysAndValues(keysAndValues)).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Str("fields", formatKeysAndValues(keysAndValues)).Msg("cron: " + msg)
}

func formatKeysAndValues(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
