package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rajeee/chatdf/pkg/api"
)

func newDatasetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Manage datasets attached to a conversation",
	}
	cmd.AddCommand(newDatasetAddCommand())
	cmd.AddCommand(newDatasetRetryCommand())
	return cmd
}

func newDatasetAddCommand() *cobra.Command {
	var convID, name string
	cmd := &cobra.Command{
		Use:   "add URL",
		Short: "Attach a tabular source to a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.New(cfg.ServerURL)
			if err != nil {
				return err
			}
			ds, err := client.AttachDataset(cmd.Context(), convID, args[0], name)
			if err != nil {
				return err
			}
			fmt.Printf("dataset %s attached (%s)\n", ds.ID, ds.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&convID, "conversation", "", "owning conversation id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func newDatasetRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Retry loading a failed dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := api.New(cfg.ServerURL)
			if err != nil {
				return err
			}
			if err := client.RetryDataset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("retry requested")
			return nil
		},
	}
}
