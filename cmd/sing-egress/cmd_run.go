package main

import (
	"context"
	"os"
	"os/signal"
	runtimeDebug "runtime/debug"
	"syscall"
	"time"

	"github.com/sagernet/sing-egress"
	"github.com/sagernet/sing-egress/log"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/spf13/cobra"
)

var commandRun = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Run: func(cmd *cobra.Command, args []string) {
		err := run()
		if err != nil {
			log.Fatal(err)
		}
	},
	Args: cobra.NoArgs,
}

func init() {
	mainCommand.AddCommand(commandRun)
}

func run() error {
	options, err := readConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance, err := egress.New(egress.Options{
		Context: ctx,
		Options: options,
	})
	if err != nil {
		return E.Cause(err, "create service")
	}
	err = instance.Start()
	if err != nil {
		return E.Cause(err, "start service")
	}
	runtimeDebug.FreeOSMemory()
	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(osSignals)
	for osSignal := range osSignals {
		if osSignal != syscall.SIGHUP {
			break
		}
		newOptions, err := readConfig()
		if err != nil {
			instance.Logger().Error(E.Cause(err, "reload service"))
			continue
		}
		generationID, err := instance.Generations().Publish(newOptions)
		if err != nil {
			instance.Logger().Error(E.Cause(err, "reload service"))
			continue
		}
		instance.Logger().Info("reloaded as generation ", generationID)
	}
	cancel()
	closeCtx, closed := context.WithCancel(context.Background())
	go closeMonitor(closeCtx)
	instance.Close()
	closed()
	return nil
}

func closeMonitor(ctx context.Context) {
	time.Sleep(3 * time.Second)
	select {
	case <-ctx.Done():
		return
	default:
	}
	log.Fatal("sing-egress did not close!")
}
