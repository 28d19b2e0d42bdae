package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	dStatic "github.com/amirimatin/go-filesync/pkg/discovery/static"
	ml "github.com/amirimatin/go-filesync/pkg/membership/memberlist"
)

// memdemo runs only the gossip assist, printing every RPC address it learns.
// Handy for checking gossip ports and advertise addresses before starting nodes.
func main() {
	var id, bind, advertise, rpc, joinCSV string
	root := &cobra.Command{
		Use:           "memdemo",
		Short:         "run a standalone gossip assist and print discovered RPC addresses",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := ml.New(ml.Options{
				NodeID:    id,
				Bind:      bind,
				Advertise: advertise,
				RPCAddr:   rpc,
				Logger:    log.Default(),
				OnDiscover: func(addr string) {
					fmt.Printf("discovered rpc=%s at=%s\n", addr, time.Now().Format(time.RFC3339))
				},
			})
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}
			defer a.Stop()
			if seeds := dStatic.Parse(joinCSV); len(seeds) > 0 {
				if _, err := a.Join(seeds); err != nil {
					log.Printf("join error: %v", err)
				}
			}

			fmt.Printf("memdemo started on %s. Press Ctrl+C to exit.\n", a.LocalGossipAddr())
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					for _, m := range a.Members() {
						fmt.Printf("member: %-12s gossip=%s rpc=%s\n", m.Name, m.Gossip, m.RPCAddr)
					}
				}
			}
		},
	}
	f := root.Flags()
	f.StringVar(&id, "id", "node-1", "node id")
	f.StringVar(&bind, "bind", ":7946", "gossip bind host:port")
	f.StringVar(&advertise, "advertise", "", "gossip advertise host:port (optional)")
	f.StringVar(&rpc, "rpc", "127.0.0.1:50051", "RPC address to gossip")
	f.StringVar(&joinCSV, "join", "", "comma-separated gossip seeds (host:port)")
	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
