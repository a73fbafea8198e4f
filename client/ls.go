package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/dasklaunch/client/fleetfile"
	"github.com/gammadia/dasklaunch/fleet"
	"github.com/rivo/uniseg"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the instances launched by dasklaunch",
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		provisioner, err := newProvisioner(cmd.Context(), fleetfile.Instance{})
		if err != nil {
			return fmt.Errorf("failed to create provisioner: %w", err)
		}
		defer shutdownProvisioner(cmd.Context(), provisioner)

		instances, err := provisioner.List(cmd.Context())
		if err != nil {
			return err
		}

		printInstances(cmd.OutOrStdout(), instances, time.Now())
		return nil
	},
}

func printInstances(w io.Writer, instances []fleet.Instance, now time.Time) {
	rows := [][]string{{"FLEET", "ID", "NAME", "STATUS", "ADDRESS", "AGE"}}
	for _, i := range instances {
		rows = append(rows, []string{i.Fleet, i.ID, i.Name, i.Status, i.Address, age(i.LaunchedAt, now)})
	}

	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for c, cell := range row {
			widths[c] = max(widths[c], uniseg.StringWidth(cell))
		}
	}

	for r, row := range rows {
		cells := lo.Map(row, func(cell string, c int) string {
			padded := cell + strings.Repeat(" ", widths[c]-uniseg.StringWidth(cell))
			if r > 0 && c == 0 {
				return color.HiCyanString(padded)
			}
			return padded
		})
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

func age(launchedAt time.Time, now time.Time) string {
	if launchedAt.IsZero() {
		return "unknown"
	}
	return now.Sub(launchedAt).Truncate(time.Second).String()
}
