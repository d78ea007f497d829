// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/melloos/kernel/pkg/ksyscall"
	"github.com/melloos/kernel/pkg/mellofs"
	"github.com/melloos/kernel/pkg/mm/tlb"
	"github.com/melloos/kernel/pkg/pagecache"
	"github.com/melloos/kernel/pkg/percpu"
)

func newBootCmd(verbose *bool) *cobra.Command {
	var sectors uint64

	cmd := &cobra.Command{
		Use:   "boot",
		Short: "Wire up a full kernel instance and drive it through a scripted smoke sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootSequence(*verbose, sectors)
		},
	}
	cmd.Flags().Uint64Var(&sectors, "sectors", 8192, "sector count of the MelloFS-backed device")
	return cmd
}

func runBootSequence(verbose bool, sectors uint64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k, err := NewKernel(newLogger(verbose))
	if err != nil {
		return err
	}
	defer k.Close()

	dev, err := newDevice(sectors)
	if err != nil {
		return err
	}
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return err
	}
	fs, err := mellofs.Init(dev, uuid, 0)
	if err != nil {
		return fmt.Errorf("melloctl: formatting boot device: %w", err)
	}
	k.MountMelloFS(fs)
	fmt.Printf("[boot] mellofs mounted: txg=%d free_blocks=%d\n", fs.TxgID(), fs.Free.FreeBlocks())

	if err := k.BringUpAPs(ctx, []percpu.CPUEntry{{APICID: 1, Enabled: true}, {APICID: 2, Enabled: true}}, 0); err != nil {
		return fmt.Errorf("melloctl: bringing up APs: %w", err)
	}
	fmt.Println("[boot] APs brought up")

	child, err := k.Fork(1)
	if err != nil {
		return fmt.Errorf("melloctl: fork: %w", err)
	}
	fmt.Printf("[boot] forked pid %d from init\n", child)

	fd, err := k.Open(1, "/greeting", 0)
	if err != nil {
		return fmt.Errorf("melloctl: open: %w", err)
	}
	if _, err := k.Write(1, fd, []byte("melloctl boot smoke test\n")); err != nil {
		return fmt.Errorf("melloctl: write: %w", err)
	}
	if err := k.Close(1, fd); err != nil {
		return fmt.Errorf("melloctl: close: %w", err)
	}
	fmt.Println("[boot] wrote and closed /greeting via the syscall registry")

	if res := k.Syscalls.Dispatch(1, ksyscall.SysGetpid, ksyscall.Args{}); res.Errno == 0 {
		fmt.Printf("[boot] getpid syscall returned %d\n", res.Value)
	}

	if err := k.Send(1, 7, []byte("ping")); err != nil {
		return fmt.Errorf("melloctl: ipc send: %w", err)
	}
	msg, err := k.Recv(1, 7, 16)
	if err != nil {
		return fmt.Errorf("melloctl: ipc recv: %w", err)
	}
	fmt.Printf("[boot] ipc loopback: %q\n", msg)

	if err := k.ShootdownLoopback(ctx, 0x1000, 1, tlb.MaskOf(0, 1)); err != nil {
		return fmt.Errorf("melloctl: tlb shootdown: %w", err)
	}
	fmt.Println("[boot] tlb shootdown acked by all targets")

	k.SimulatePageFault(child, 0xdeadbeef, 0x401000)
	fmt.Println("[boot] simulated page fault terminated the forked task")

	if flusher := k.Flusher(); flusher != nil {
		flusher.MarkDirty(pagecache.DirtyPage{Ino: 1, PageNumber: 0, Data: []byte("dirty page contents")})
		if err := flusher.Sync(); err != nil {
			return fmt.Errorf("melloctl: page cache sync: %w", err)
		}
		fmt.Println("[boot] page cache flushed one dirty page into mellofs")
	}

	if err := fs.Unmount(); err != nil {
		return fmt.Errorf("melloctl: unmount: %w", err)
	}
	fmt.Println("[boot] clean shutdown")
	return nil
}
