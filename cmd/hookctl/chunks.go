package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
)

func logsCmd() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Print the output of a finished chunk",
		ArgsUsage: "<chunk-id>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("chunk id is required")
			}
			_, stores, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			logs, err := stores.Chunks.GetChunkLog(ctx, id)
			if err != nil {
				return err
			}
			fmt.Print(logs)
			return nil
		},
	}
}

func chunksCmd() *cli.Command {
	return &cli.Command{
		Name:  "chunks",
		Usage: "List chunks and their state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, stores, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			chunks, err := stores.Chunks.ListChunks(ctx)
			if err != nil {
				return err
			}
			sort.Slice(chunks, func(i, j int) bool { return chunks[i].Name < chunks[j].Name })

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tNODE\tATTEMPTS\tERROR")
			for _, c := range chunks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					c.ID, c.Name, c.Status.State, c.Status.NodeAddress, c.Status.Attempts, c.Status.Error)
			}
			return w.Flush()
		},
	}
}
