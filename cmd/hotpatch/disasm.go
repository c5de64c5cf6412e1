package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/k2io/hotpatch"
	"github.com/k2io/hotpatch/asm"
	"github.com/k2io/hotpatch/code"
)

var disasmBytes int

func init() {
	cmd := &cobra.Command{
		Use:   "disasm <symbol>",
		Short: "Disassemble a function of this binary",
		Long: `The disasm command looks a symbol up in the running executable and decodes
the start of its code.

Example:
  hotpatch disasm main.serve
  hotpatch disasm runtime.mallocgc --bytes 64`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDisasm(args[0])
		},
	}
	cmd.Flags().IntVar(&disasmBytes, "bytes", 32, "Number of bytes to decode")
	rootCmd.AddCommand(cmd)
}

func runDisasm(name string) error {
	addr, err := hotpatch.SymbolAddress(name)
	if err != nil {
		return err
	}
	src, err := code.CurrentProcess().Read(addr, disasmBytes)
	if err != nil {
		return err
	}
	for n := 0; n < len(src); {
		d, err := asm.Decode(src[n:], addr+uintptr(n))
		if err != nil {
			// the tail may cut an instruction
			break
		}
		fmt.Printf("%#x  % x\t%s\n", d.PC, d.Bytes, d)
		n += d.Len()
	}
	return nil
}
