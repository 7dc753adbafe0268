// Package obs holds the observability plumbing shared by the API and
// migrate binaries: the JSON line logger, Prometheus HTTP metrics and
// the build-info gauge.
package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger
)

// Logger returns the process-wide logger. Request logs and audit events
// share this stream; consumers distinguish them by the "type"/"msg"
// fields of each line.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// LogRequest emits one JSON line. Entries that cannot be marshalled are
// replaced with a fixed error line rather than dropped silently.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"log entry marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
