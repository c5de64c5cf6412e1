package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/hotpatch"
	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Hook a function, toggle it and run a dynamic function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo()
		},
	})
}

var served []string

//go:noinline
func serve(path string) string {
	served = append(served, path)
	return "200 " + path
}

func runDemo() error {
	m, err := newManager()
	if err != nil {
		return err
	}
	defer dispose("code manager", m)

	var (
		h    *hotpatch.Hook
		hits int
	)
	h, err = hotpatch.New(serve, func(path string) string {
		hits++
		return "[hooked] " + hotpatch.Original[func(string) string](h)(path)
	}, hotpatch.WithManager(m))
	if err != nil {
		return err
	}
	defer dispose("hook", h)

	fmt.Printf("hooked %#x, prologue:\n", h.Target())
	for _, d := range h.Prologue() {
		fmt.Printf("  %#x  %s\n", d.PC, d)
	}
	fmt.Println(serve("/a"))
	if err := h.SetActive(true); err != nil {
		return err
	}
	fmt.Println(serve("/b"))
	if err := h.SetActive(false); err != nil {
		return err
	}
	fmt.Println(serve("/c"))
	fmt.Printf("replacement ran %d time(s), original %d\n", hits, len(served))

	df, err := hotpatch.NewDynamicFunction(m, []asm.Instruction{
		asm.MovImm{Dst: asm.RAX, Imm: 0x2a},
		asm.Ret{},
	}, code.Anywhere)
	if err != nil {
		return err
	}
	defer dispose("dynamic function", df)
	answer, err := hotpatch.MakeFunc[func() int](df)
	if err != nil {
		return err
	}
	fmt.Printf("dynamic function at %#x returned %d\n", df.Code(), answer())
	return nil
}
