package main

import (
	"context"

	"github.com/sagernet/sing-egress"
	"github.com/sagernet/sing-egress/log"
	"github.com/sagernet/sing-egress/option"

	"github.com/spf13/cobra"
)

var commandCheck = &cobra.Command{
	Use:   "check",
	Short: "Check configuration",
	Run: func(cmd *cobra.Command, args []string) {
		err := check()
		if err != nil {
			log.Fatal(err)
		}
	},
	Args: cobra.NoArgs,
}

func init() {
	mainCommand.AddCommand(commandCheck)
}

func check() error {
	options, err := readConfig()
	if err != nil {
		return err
	}
	options.API = nil
	if options.Log == nil {
		options.Log = &option.LogOptions{Level: "warn"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	instance, err := egress.New(egress.Options{
		Context: ctx,
		Options: options,
	})
	if err != nil {
		return err
	}
	_, err = instance.Generations().Publish(options)
	instance.Close()
	return err
}
