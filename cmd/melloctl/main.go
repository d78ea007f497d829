// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newLogger(verbose bool) logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	z, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(z)
}

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:   "melloctl",
		Short: "Control and inspection tool for the MelloOS kernel's simulated subsystems",
		Long: `melloctl drives pkg/mellofs, pkg/proc, pkg/vfs, and pkg/ksyscall from
userland: mkfs and fsck exercise the on-disk filesystem against an
in-memory virtio-blk device, boot wires the baseline syscall surface to a
running process/VFS/IPC instance and drives it through a smoke sequence,
and proc renders the /proc textual contract for whatever tasks that
instance has published.`,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newMkfsCmd(&verbose),
		newFsckCmd(&verbose),
		newBootCmd(&verbose),
		newProcCmd(&verbose),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
