package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/cumulus/pkg/api"
	"github.com/cuemby/cumulus/pkg/client"
	"github.com/cuemby/cumulus/pkg/config"
)

var uciCmd = &cobra.Command{
	Use:   "uci",
	Short: "Inspect and drive UCIs through a running orchestrator",
}

var uciGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a UCI with its volumes, instances and snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		view, err := c.GetUCI(context.Background(), args[0])
		if err != nil {
			return err
		}
		printUCI(view)
		return nil
	},
}

var uciEnqueueCmd = &cobra.Command{
	Use:   "enqueue ID",
	Short: "Queue a UCI for its current or a requested state",
	Long: `Queue a UCI for processing. With --state the requested state is stored
first; the UI pending suffix (e.g. "submittedUCI") is accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		state, _ := cmd.Flags().GetString("state")

		resp, err := c.Enqueue(context.Background(), args[0], state)
		if err != nil {
			return err
		}
		fmt.Printf("✓ UCI %s enqueued (state: %s)\n", resp.ID, resp.State)
		return nil
	},
}

var uciResetCmd = &cobra.Command{
	Use:   "reset ID",
	Short: "Clear a UCI in error",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}

		view, err := c.Reset(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ UCI %s reset to %s\n", view.ID, view.State)
		return nil
	},
}

func init() {
	uciCmd.PersistentFlags().String("addr", "", "Admin API address (defaults to api.addr from the configuration)")
	uciEnqueueCmd.Flags().String("state", "", "Requested state to store before queueing")

	uciCmd.AddCommand(uciGetCmd)
	uciCmd.AddCommand(uciEnqueueCmd)
	uciCmd.AddCommand(uciResetCmd)
}

func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		addr = cfg.API.Addr
	}
	return client.NewClient(addr), nil
}

func printUCI(view *api.UCIView) {
	fmt.Printf("ID:       %s\n", view.ID)
	fmt.Printf("Name:     %s\n", view.Name)
	fmt.Printf("Owner:    %s\n", view.Owner)
	fmt.Printf("State:    %s\n", view.State)
	fmt.Printf("Zone:     %s\n", view.Zone)
	if view.Error != "" {
		fmt.Printf("Error:    %s\n", view.Error)
	}
	if view.LaunchTime != nil {
		fmt.Printf("Launched: %s\n", view.LaunchTime.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Version:  %d\n", view.Version)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if len(view.Volumes) > 0 {
		fmt.Fprintln(w, "\nVOLUME\tBACKEND ID\tSIZE\tSTATUS\tATTACHED TO")
		for _, v := range view.Volumes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", v.ID, v.BackendID, v.Size, v.Status, v.InstanceID)
		}
	}
	if len(view.Instances) > 0 {
		fmt.Fprintln(w, "\nINSTANCE\tBACKEND ID\tTYPE\tSTATE\tPUBLIC ADDRESS")
		for _, i := range view.Instances {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", i.ID, i.BackendID, i.InstanceType, i.State, i.PublicAddress)
		}
	}
	if len(view.Snapshots) > 0 {
		fmt.Fprintln(w, "\nSNAPSHOT\tBACKEND ID\tSTATUS\tPROGRESS")
		for _, s := range view.Snapshots {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.BackendID, s.Status, s.Progress)
		}
	}
}
