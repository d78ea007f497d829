// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/melloos/kernel/pkg/blockdev"
	"github.com/melloos/kernel/pkg/mellofs"
)

// newDevice allocates and hands back an initialized virtio-blk device of
// sectorCount sectors. blockdev.VirtioBlk's backing store is entirely
// in-memory (spec's documented Non-goal: no real virtqueue), so mkfs/fsck
// exercise pkg/mellofs end-to-end within a single process invocation
// rather than against a persisted disk image on the host filesystem.
func newDevice(sectorCount uint64) (*blockdev.VirtioBlk, error) {
	dev := blockdev.NewVirtioBlk("melloctl0", mellofs.SectorSize, sectorCount)
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("melloctl: initializing virtio-blk: %w", err)
	}
	return dev, nil
}

func randomUUID() ([16]byte, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return uuid, err
	}
	return uuid, nil
}

func newMkfsCmd(verbose *bool) *cobra.Command {
	var sectors uint64

	cmd := &cobra.Command{
		Use:   "mkfs",
		Short: "Format a fresh in-memory virtio-blk device with MelloFS",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := newDevice(sectors)
			if err != nil {
				return err
			}

			uuid, err := randomUUID()
			if err != nil {
				return fmt.Errorf("melloctl: generating uuid: %w", err)
			}

			fs, err := mellofs.Init(dev, uuid, 0)
			if err != nil {
				return fmt.Errorf("melloctl: mellofs.Init: %w", err)
			}
			defer fs.Unmount()

			fmt.Printf("formatted %s: %d sectors, uuid=%x, txg=%d, free_blocks=%d\n",
				dev.Name(), dev.SectorCount(), uuid, fs.TxgID(), fs.Free.FreeBlocks())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&sectors, "sectors", 8192, "sector count of the simulated device")
	return cmd
}
