package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"hookd/internal/registry"
	"hookd/pkg/model"

	"github.com/urfave/cli/v3"
)

func nodesCmd() *cli.Command {
	return &cli.Command{
		Name:  "nodes",
		Usage: "Inspect and manage registered nodes",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List nodes with their score and status",
				Action: withRegistry(listNodes),
			},
			{
				Name:      "add",
				Usage:     "Register a node",
				ArgsUsage: "<address>",
				Action: withRegistry(func(ctx context.Context, reg *registry.Registry, address string) error {
					n, err := reg.Insert(ctx, address)
					if err != nil {
						return err
					}
					fmt.Printf("registered %s (%s)\n", n.Address, n.ID)
					return nil
				}),
			},
			{
				Name:      "remove",
				Usage:     "Remove a node from the registry",
				ArgsUsage: "<address>",
				Action: withRegistry(func(ctx context.Context, reg *registry.Registry, address string) error {
					return reg.Remove(ctx, address)
				}),
			},
			{
				Name:      "drain",
				Usage:     "Stop scheduling new chunks onto a node",
				ArgsUsage: "<address>",
				Action: withRegistry(func(ctx context.Context, reg *registry.Registry, address string) error {
					_, err := reg.SetStatus(ctx, address, model.NodeDraining)
					return err
				}),
			},
			{
				Name:      "status",
				Usage:     "Set a node's status (ready, busy, unreachable, draining)",
				ArgsUsage: "<address> <status>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					status := model.NodeStatus(cmd.Args().Get(1))
					return withRegistry(func(ctx context.Context, reg *registry.Registry, address string) error {
						_, err := reg.SetStatus(ctx, address, status)
						return err
					})(ctx, cmd)
				},
			},
		},
	}
}

func withRegistry(fn func(ctx context.Context, reg *registry.Registry, address string) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		address := cmd.Args().First()
		if address == "" && cmd.Name != "list" {
			return fmt.Errorf("node address is required")
		}
		_, stores, err := open(ctx, cmd)
		if err != nil {
			return err
		}
		defer stores.Close()

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return fn(ctx, registry.New(stores.Nodes), address)
	}
}

func listNodes(ctx context.Context, reg *registry.Registry, _ string) error {
	nodes, err := reg.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tSTATUS\tSCORE\tCHUNKS\tLAST CHUNK")
	for _, n := range nodes {
		last := "-"
		if n.LastChunkAt != nil {
			last = n.LastChunkAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", n.Address, n.Status, n.Score, n.ChunksProcessed, last)
	}
	return w.Flush()
}
