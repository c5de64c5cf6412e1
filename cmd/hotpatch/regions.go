package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/hotpatch/code"
)

var regionSizes []int

func init() {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Allocate blocks and print the reserved regions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegions()
		},
	}
	cmd.Flags().IntSliceVar(&regionSizes, "sizes", []int{64, 4096, 100000}, "Allocation sizes in bytes")
	rootCmd.AddCommand(cmd)
}

func runRegions() error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer dispose("code manager", m)

	for _, n := range regionSizes {
		a, err := m.Allocate(n, code.Anywhere)
		if err != nil {
			return err
		}
		fmt.Printf("allocated %s\n", a)
	}
	for _, r := range m.Regions() {
		fmt.Printf("region %#x pages=%d\n", r.Base, r.Pages)
		for _, b := range r.Live {
			fmt.Printf("  live %#x pages=%d\n", b.Addr, b.Pages)
		}
		for _, b := range r.Free {
			fmt.Printf("  free %#x pages=%d\n", b.Addr, b.Pages)
		}
	}
	return nil
}
