// Command lancelot is a thin CLI front-end over the analysis core: it
// loads raw shellcode, then either steps the emulator or builds a CFG
// from an entry address. The real loaders, richer front-ends, and
// language bindings live outside this module (§1); this command exists
// only so the core is runnable end to end.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/williballenthin/Lancelot/internal/cfgbuild"
	"github.com/williballenthin/Lancelot/internal/decode"
	"github.com/williballenthin/Lancelot/internal/emu"
	"github.com/williballenthin/Lancelot/internal/module"
	"github.com/williballenthin/Lancelot/internal/reg"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lancelot",
		Short: "x86/x86-64 binary analysis core: emulate shellcode or recover a CFG",
	}
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			logrus.SetLevel(logrus.DebugLevel)
		}
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newCFGCmd())
	return root
}

func loadShellcodeFile(path string, base uint64) (*module.Module, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return module.Shellcode(module.X64, base, buf), nil
}

func newRunCmd() *cobra.Command {
	var base uint64
	var steps int

	cmd := &cobra.Command{
		Use:   "run <shellcode-file>",
		Short: "load shellcode and step the emulator N times, printing final registers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadShellcodeFile(args[0], base)
			if err != nil {
				return err
			}

			e, err := emu.FromModule(m)
			if err != nil {
				return fmt.Errorf("load module: %w", err)
			}
			e.Reg.SetRIP(base)

			for i := 0; i < steps; i++ {
				if err := e.Step(); err != nil {
					return fmt.Errorf("step %d: %w", i, err)
				}
			}

			fmt.Printf("rip=%#x rax=%#x rbx=%#x rcx=%#x rdx=%#x\n",
				e.Reg.RIP(), e.Reg.Rax(), e.Reg.Read(reg.RBX), e.Reg.Read(reg.RCX), e.Reg.Read(reg.RDX))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&base, "base", 0x1000, "base virtual address to load the shellcode at")
	cmd.Flags().IntVar(&steps, "steps", 1, "number of instructions to step")
	return cmd
}

func newCFGCmd() *cobra.Command {
	var base uint64
	var entry uint64

	cmd := &cobra.Command{
		Use:   "cfg <shellcode-file>",
		Short: "load shellcode and recover a basic-block CFG from an entry address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := loadShellcodeFile(args[0], base)
			if err != nil {
				return err
			}

			mode := decode.Mode64
			if m.Arch == module.X32 {
				mode = decode.Mode32
			}
			d := decode.NewX86(mode)

			seed := entry
			if seed == 0 {
				seed = base
			}
			g := cfgbuild.BuildCFG(d, m.AddressSpace, seed)
			fmt.Print(g.String())
			return nil
		},
	}
	cmd.Flags().Uint64Var(&base, "base", 0x1000, "base virtual address to load the shellcode at")
	cmd.Flags().Uint64Var(&entry, "entry", 0, "entry VA to start CFG recovery at (defaults to base)")
	return cmd
}
