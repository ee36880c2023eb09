package main

import (
	"os"
	"time"

	"github.com/sagernet/sing-egress/forger"
	"github.com/sagernet/sing-egress/log"

	"github.com/spf13/cobra"
)

var flagGenerateCAMonths int

var commandGenerateCA = &cobra.Command{
	Use:   "ca <common_name>",
	Short: "Generate intercept CA key pair",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		err := generateCA(args[0])
		if err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	commandGenerateCA.Flags().IntVarP(&flagGenerateCAMonths, "months", "m", 12, "Valid months")
	commandGenerate.AddCommand(commandGenerateCA)
}

func generateCA(commonName string) error {
	privateKeyPem, publicKeyPem, err := forger.GenerateAuthority(commonName, time.Now, time.Now().AddDate(0, flagGenerateCAMonths, 0))
	if err != nil {
		return err
	}
	os.Stdout.WriteString(string(privateKeyPem) + "\n")
	os.Stdout.WriteString(string(publicKeyPem) + "\n")
	return nil
}
