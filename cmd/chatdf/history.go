package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rajeee/chatdf/pkg/localstore"
)

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent query history",
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := localstore.Open(cfg.HistoryPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			for i, q := range store.RecentQueries(limit) {
				fmt.Printf("%2d  %s\n", i+1, q)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to show")
	return cmd
}
