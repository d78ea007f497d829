// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/melloos/kernel/pkg/procfs"
)

// newProcCmd boots a fresh Kernel, forks one extra task so there is more
// than pid 1 to look at, then renders pkg/procfs's view of it — "list"
// mirrors ReadDir("/proc"), "stat PID" mirrors reading
// /proc/[pid]/stat.
func newProcCmd(verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proc [list|stat PID]",
		Short: "Render the /proc textual contract for a freshly booted kernel instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := NewKernel(newLogger(*verbose))
			if err != nil {
				return err
			}
			defer k.Close()

			if _, err := k.Fork(1); err != nil {
				return fmt.Errorf("melloctl: seeding a second task: %w", err)
			}

			src := k.TaskSource()
			switch args[0] {
			case "list":
				entries, err := procfs.ReadDir(src)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Println(e)
				}
				return nil
			case "stat":
				if len(args) < 2 {
					return fmt.Errorf("melloctl: proc stat requires a PID")
				}
				pid, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("melloctl: invalid pid %q: %w", args[1], err)
				}
				line, err := procfs.Stat(src, pid)
				if err != nil {
					return err
				}
				fmt.Println(line)
				return nil
			default:
				return fmt.Errorf("melloctl: unknown proc subcommand %q", args[0])
			}
		},
	}
	return cmd
}
