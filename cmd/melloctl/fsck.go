// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/melloos/kernel/pkg/mellofs"
)

// newFsckCmd formats a fresh device, remounts it, and reports the
// superblock's integrity fields — there is no persisted disk image
// across separate melloctl invocations (blockdev.VirtioBlk's backing
// store is in-memory only), so this verifies that the primary
// superblock passes the mount-time checksum rather than a
// crash-recovered on-disk state. The secondary fallback path is not
// exercised, since the primary copy is intact.
func newFsckCmd(verbose *bool) *cobra.Command {
	var sectors uint64

	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Format, cleanly unmount, and remount a device, reporting superblock health",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDevice(sectors)
			if err != nil {
				return err
			}

			uuid, err := randomUUID()
			if err != nil {
				return err
			}

			fs, err := mellofs.Init(dev, uuid, 0)
			if err != nil {
				return fmt.Errorf("melloctl: mellofs.Init: %w", err)
			}
			if err := fs.Unmount(); err != nil {
				return fmt.Errorf("melloctl: unmount: %w", err)
			}

			remounted, err := mellofs.Mount(dev, 1)
			if err != nil {
				fmt.Printf("fsck: FAIL: %v\n", err)
				return err
			}
			defer remounted.Unmount()

			fmt.Printf("fsck: OK — txg=%d, free_blocks=%d, clean remount succeeded\n",
				remounted.TxgID(), remounted.Free.FreeBlocks())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&sectors, "sectors", 8192, "sector count of the simulated device")
	return cmd
}
