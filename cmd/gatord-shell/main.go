package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gator "github.com/ARM-software/gator-sub000"
	"github.com/ARM-software/gator-sub000/internal/agent"
	"github.com/ARM-software/gator-sub000/internal/logging"
	"github.com/ARM-software/gator-sub000/internal/perf"
)

func main() {
	var (
		waitProcess = flag.String("wait-process", "", "comma-separated cmdline substrings to wait for before attaching")
		command     = flag.String("command", "", "command (with args, space-separated) to launch and profile")
		local       = flag.Bool("local-capture", false, "capture to a local file instead of streaming live (1s drain tick instead of 100ms)")
		output      = flag.String("output", "capture.apc", "local capture output path, used only with -local-capture")
		numCPUs     = flag.Int("cpus", 0, "number of CPUs to attach events to (0 = auto)")
		oneShot     = flag.Uint64("one-shot-bytes", 0, "stop the capture once this many bytes have been written (0 disables)")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *waitProcess == "" && *command == "" {
		log.Fatal("one of -wait-process or -command is required")
	}

	sink, closeSink, err := openSink(*local, *output)
	if err != nil {
		logger.Error("failed to open capture sink", "error", err)
		os.Exit(1)
	}
	defer closeSink()

	params := gator.SessionParams{
		Sink:             sink,
		NumCPUs:          *numCPUs,
		Live:             !*local,
		OneShotByteLimit: *oneShot,
		LowSpawner:       agent.SimpleSpawner{Executable: "/proc/self/exe"},
		HighSpawner:      agent.SimpleSpawner{Executable: "/proc/self/exe"},
		Logger:           logger,
	}

	session, err := gator.NewSession(params)
	if err != nil {
		logger.Error("failed to create session", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := perf.ProcessTarget{}
	if *waitProcess != "" {
		target.WaitForCommandLines = strings.Split(*waitProcess, ",")
	}
	if *command != "" {
		target.Command = strings.Fields(*command)
	}

	if err := session.Start(ctx, target); err != nil {
		logger.Error("capture failed to start", "error", err)
		os.Exit(1)
	}

	logger.Info("capture started", "cpus", *numCPUs, "live", !*local, "output", *output)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	done := make(chan struct{})
	go func() {
		session.Terminate(true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logger.Info("termination taking too long, exiting anyway")
	}

	snap := session.MetricsSnapshot()
	fmt.Printf("data bytes: %d  aux bytes: %d  agents spawned: %d\n",
		snap.DataBytesSent, snap.AuxBytesSent, snap.AgentsSpawned)
}

// openSink opens the capture destination. Local captures append raw frame
// payloads to a file (the on-disk APC_DATA encoding itself is out of scope
// here); live captures have no local sink to open and return a discarding
// one, since the real host connection is an external collaborator.
func openSink(local bool, path string) (*fileSink, func(), error) {
	if !local {
		return newFileSink(nil), func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return newFileSink(f), func() { f.Close() }, nil
}
