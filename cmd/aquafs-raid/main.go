// Copyright (C) 2023-2026  AquaFS Contributors
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command aquafs-raid inspects and exercises a zoned-RAID virtual
// device described by a "raid<mode>:..." URI, without requiring a
// real zoned block device: backend specs are opened against an
// in-memory simulator.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"github.com/aquafs-dev/aquafs/lib/raid"
	"github.com/aquafs-dev/aquafs/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var blockSize, zoneSize, nrZones uint64

	argparser := &cobra.Command{
		Use:   "aquafs-raid {[flags]|SUBCOMMAND}",
		Short: "Inspect a zoned-RAID virtual device",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true,
		SilenceUsage:  true,

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	argparser.PersistentFlags().Uint64Var(&blockSize, "block-size", 4096, "simulated backend block size, in bytes")
	argparser.PersistentFlags().Uint64Var(&zoneSize, "zone-size", 16<<20, "simulated backend zone size, in bytes")
	argparser.PersistentFlags().Uint64Var(&nrZones, "zones", 8, "simulated backend zone count, used when a backend spec is not a number")

	withDevice := func(uri string, fn func(ctx context.Context, dev *raid.Device) error) error {
		logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
		ctx := dlog.WithLogger(context.Background(), logger)
		dlog.SetFallbackLogger(logger)

		grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
		grp.Go("main", func(ctx context.Context) error {
			dev, err := raid.Open(ctx, uri, raid.MemOpener(blockSize, zoneSize, nrZones))
			if err != nil {
				return err
			}
			return fn(ctx, dev)
		})
		return grp.Wait()
	}

	var jsonOut bool
	zonesCmd := &cobra.Command{
		Use:   "zones URI",
		Short: "List the logical zones of a RAID URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev *raid.Device) error {
				zones, err := dev.ListZones(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					w := bufio.NewWriter(cmd.OutOrStdout())
					defer w.Flush()
					re := lowmemjson.NewReEncoder(w, lowmemjson.ReEncoderConfig{
						Indent:                "\t",
						ForceTrailingNewlines: true,
					})
					return lowmemjson.NewEncoder(re).Encode(zones)
				}
				table := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
				fmt.Fprintf(table, "index\tmode\tstart\tcapacity\twp\tcondition\n")
				for _, z := range zones {
					fmt.Fprintf(table, "%d\t%v\t%v\t%d\t%v\t%v\n", z.Index, z.Mode, z.Start, z.Capacity, z.WritePointer, z.Condition)
				}
				return table.Flush()
			})
		},
	}
	zonesCmd.Flags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON instead of a table")
	argparser.AddCommand(zonesCmd)

	argparser.AddCommand(&cobra.Command{
		Use:   "superblock URI",
		Short: "Encode the device's superblock and decode it back, to exercise the wire format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev *raid.Device) error {
				basicBytes, err := dev.EncodeBasicInfo()
				if err != nil {
					return err
				}
				basic, err := raid.DecodeBasicInfo(basicBytes)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mode=%v devices=%d block-size=%d zone-size=%d zones-per-device=%d replicas=%d auto-default=%v\n",
					raid.Mode(basic.MainMode), basic.DeviceCount, basic.BlockSize, basic.ZoneSize, basic.ZonesPerDevice, basic.Replicas, raid.Mode(basic.AutoDefaultMode))
				if alloc := dev.Allocator(); alloc != nil {
					appendBytes, err := alloc.EncodeAppendInfo()
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "append-info: %d bytes, %d mapped slots\n", len(appendBytes), alloc.NumSlots())
				}
				return nil
			})
		},
	})

	argparser.AddCommand(&cobra.Command{
		Use:   "scan-offline URI",
		Short: "Scan for offline replicas and rebuild them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(args[0], func(ctx context.Context, dev *raid.Device) error {
				return dev.ScanOffline(ctx)
			})
		},
	})

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
