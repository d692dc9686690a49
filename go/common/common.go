// Package common bundles the handful of things every binary in this agent wants to do on
// startup (set the log level, start emitting metrics under a consistent prefix) behind a
// single InitWithMust call, the same role the teacher's go/common plays for
// machine/go/test_machine_monitor's main.go. Unlike the teacher's InitWithMust, nothing
// here binds an HTTP port: the agent has no listening surface, so the metrics registry is
// left for the caller to expose however it sees fit.
package common

import (
	"github.com/riverviewauto/daqagent/go/metrics2"
	"github.com/riverviewauto/daqagent/go/sklog"
)

// Opt configures the InitWithMust bootstrap sequence.
type Opt func(*options)

type options struct {
	logLevel     string
	metricsTags  map[string]string
	metricPeriod bool
}

// LogLevelOpt sets the minimum severity sklog will emit. Defaults to "info".
func LogLevelOpt(level string) Opt {
	return func(o *options) { o.logLevel = level }
}

// MetricsLoggingOpt causes InitWithMust to register an uptime counter tagged with
// appName, giving every binary at least one series to confirm metrics are flowing.
func MetricsLoggingOpt() Opt {
	return func(o *options) { o.metricPeriod = true }
}

// MetricsTagsOpt adds extra constant tags (host, environment, ...) to every metric
// registered via InitWithMust's uptime counter.
func MetricsTagsOpt(tags map[string]string) Opt {
	return func(o *options) { o.metricsTags = tags }
}

// InitWithMust runs the startup sequence shared by every binary in this module: it sets
// the log level and, if requested, registers a liveness counter under appName. It panics
// (rather than returning an error) on misconfiguration, since a binary that can't
// initialize its own logging has nothing useful left to log the failure to.
func InitWithMust(appName string, opts ...Opt) {
	o := &options{logLevel: "info"}
	for _, opt := range opts {
		opt(o)
	}

	if err := sklog.SetLevel(o.logLevel); err != nil {
		panic("common: invalid log level: " + err.Error())
	}

	if o.metricPeriod {
		tags := map[string]string{"app": appName}
		for k, v := range o.metricsTags {
			tags[k] = v
		}
		metrics2.GetCounter("uptime", tags).Inc(1)
	}

	sklog.Infof("%s: initialized", appName)
}
