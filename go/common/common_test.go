package common_test

import (
	"testing"

	"github.com/riverviewauto/daqagent/go/common"
	"github.com/riverviewauto/daqagent/go/metrics2"
)

func TestInitWithMust_MetricsLoggingOpt_RegistersUptimeCounter(t *testing.T) {
	common.InitWithMust("daqagent-test", common.MetricsLoggingOpt(), common.MetricsTagsOpt(map[string]string{"env": "test"}))

	c := metrics2.GetCounter("uptime", map[string]string{"app": "daqagent-test", "env": "test"})
	if c.Get() < int64(1) {
		t.Fatalf("expected uptime counter to have been incremented, got %d", c.Get())
	}
}

func TestInitWithMust_InvalidLogLevel_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected InitWithMust to panic on an invalid log level")
		}
	}()
	common.InitWithMust("daqagent-test", common.LogLevelOpt("not-a-level"))
}
