package main

import (
	"log"

	"github.com/spf13/cobra"

	fscli "github.com/amirimatin/go-filesync/pkg/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "filesyncctl",
		Short:         "replicated file store node and client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	fscli.AddAll(root)
	return root
}
