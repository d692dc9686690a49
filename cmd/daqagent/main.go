// daqagent is an OPC UA data-acquisition agent: it subscribes to a set of configured
// servers, persists received samples to a primary document store, and falls back to
// local disk storage when the primary is unreachable, recovering automatically once it
// comes back. Structured the way the teacher's own main.go wires a small number of
// long-lived components and blocks until signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/riverviewauto/daqagent/go/common"
	"github.com/riverviewauto/daqagent/go/sklog"
	"github.com/riverviewauto/daqagent/internal/config"
	"github.com/riverviewauto/daqagent/internal/health"
	"github.com/riverviewauto/daqagent/internal/supervisor"
)

// Version can be changed via -ldflags.
var Version = "development"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: daqagent <run|status|recover> --config <path>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "status":
		statusCmd(os.Args[2:])
	case "recover":
		recoverCmd(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "daqagent: unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

func loadSnapshot(configPath string) *config.Snapshot {
	snap, err := config.Load(configPath)
	if err != nil {
		sklog.Fatalf("daqagent: failed to read config file %q: %s", configPath, err)
	}
	return snap
}

// buildSupervisor connects the primary store and the dedicated health-probe client, then
// wires the full component graph. All three subcommands (run, status, recover) share this
// path.
func buildSupervisor(ctx context.Context, snap *config.Snapshot) (*supervisor.Supervisor, func(), error) {
	clientOpts := options.Client().ApplyURI(snap.PrimaryConnectionString)
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, nil, err
	}
	coll := client.Database(snap.PrimaryDatabase).Collection(snap.PrimaryCollection)

	prober, err := health.NewMongoProber(ctx, snap.PrimaryConnectionString, snap.HealthProbeTimeout())
	if err != nil {
		return nil, nil, err
	}

	sup, err := supervisor.New(snap, prober, coll)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		_ = prober.Close(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return sup, cleanup, nil
}

func runCmd(args []string) {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	configPath := fs.String("config", "daqagent.yaml", "path to the agent's YAML configuration file")
	_ = fs.Parse(args)

	snap := loadSnapshot(*configPath)
	common.InitWithMust("daqagent",
		common.LogLevelOpt(defaultString(snap.LogLevel, "info")),
		common.MetricsLoggingOpt(),
		common.MetricsTagsOpt(snap.MetricsTags),
	)
	sklog.Infof("daqagent: version %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup, cleanup, err := buildSupervisor(ctx, snap)
	if err != nil {
		sklog.Fatalf("daqagent: failed to build supervisor: %s", err)
	}
	defer cleanup()

	if err := sup.Start(ctx, snap.Servers); err != nil {
		sklog.Fatalf("daqagent: failed to start: %s", err)
	}

	watcher := config.NewWatcher(*configPath, 10*time.Second)
	watcher.Start()
	defer watcher.Stop()
	go watchConfig(watcher, sup)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	sklog.Infof("daqagent: received signal %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	sup.Stop(stopCtx)
	sklog.Infof("daqagent: shutdown complete")
}

func watchConfig(watcher *config.Watcher, sup *supervisor.Supervisor) {
	for snap := range watcher.Watch() {
		sklog.Infof("daqagent: configuration changed, applying manual override")
		sup.ForceMode(snap.ManualOverride.ForceFallback, snap.ManualOverride.DryRun)

		sklog.Infof("daqagent: configuration changed, reconciling server list")
		if err := sup.ReconcileServers(snap.Servers); err != nil {
			sklog.Warningf("daqagent: reconciling servers: %v", err)
		}
	}
}

func statusCmd(args []string) {
	fs := pflag.NewFlagSet("status", pflag.ExitOnError)
	configPath := fs.String("config", "daqagent.yaml", "path to the agent's YAML configuration file")
	_ = fs.Parse(args)

	snap := loadSnapshot(*configPath)
	ctx := context.Background()

	sup, cleanup, err := buildSupervisor(ctx, snap)
	if err != nil {
		sklog.Fatalf("daqagent: failed to connect: %s", err)
	}
	defer cleanup()

	snapshot := sup.Snapshot()
	printStatusLine("coordinator mode", snapshot.CoordinatorMode.String(), snapshot.CoordinatorMode.String() == "Primary")
	printStatusLine("primary store health", snapshot.HealthState.String(), snapshot.HealthState == health.Healthy)
	printStatusLine("server aggregate state", snapshot.ServerAggregate.String(), snapshot.ServerAggregate.String() == "Connected")
	fmt.Printf("  queue depth:        %d\n", snapshot.QueueDepth)
	fmt.Printf("  queue dropped:      %d\n", snapshot.QueueDropped)
	fmt.Printf("  recovery running:   %v\n", snapshot.RecoveryRunning)
	for id, state := range snapshot.ServerStates {
		printStatusLine("  server "+id, state.String(), state.String() == "Connected")
	}
}

func printStatusLine(label, value string, ok bool) {
	c := color.New(color.FgRed)
	if ok {
		c = color.New(color.FgGreen)
	}
	fmt.Printf("%-28s", label+":")
	c.Println(value)
}

func recoverCmd(args []string) {
	fs := pflag.NewFlagSet("recover", pflag.ExitOnError)
	configPath := fs.String("config", "daqagent.yaml", "path to the agent's YAML configuration file")
	_ = fs.Parse(args)

	snap := loadSnapshot(*configPath)
	ctx := context.Background()

	sup, cleanup, err := buildSupervisor(ctx, snap)
	if err != nil {
		sklog.Fatalf("daqagent: failed to connect: %s", err)
	}
	defer cleanup()

	if !sup.TriggerRecovery(ctx) {
		fmt.Println("a recovery pass is already running")
		return
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("recovering fallback files"),
		progressbar.OptionSpinnerType(14),
	)
	for sup.Snapshot().RecoveryRunning {
		_ = bar.Add(1)
		time.Sleep(200 * time.Millisecond)
	}
	_ = bar.Finish()
	fmt.Println("recovery pass complete")
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
