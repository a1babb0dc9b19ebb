// Copyright (c) 2024 The Falcon Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crucible/compile"
	"crucible/compile/objfile"
)

var outputPath string

var rootCmd = &cobra.Command{
	Use:   "crucible",
	Short: "crucible is the x86-64 toolchain core's command-line front end",
}

var buildCmd = &cobra.Command{
	Use:   "build <file.ssa>",
	Short: "parse, optimize, select, allocate, encode, and write an ELF object",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		src := readFileOrDie(args[0])
		out, err := compile.CompileToELF(src)
		if err != nil {
			die(err)
		}
		dst := outputPath
		if dst == "" {
			dst = trimExt(args[0]) + ".o"
		}
		if err := os.WriteFile(dst, out, 0644); err != nil {
			die(err)
		}
	},
}

var asmCmd = &cobra.Command{
	Use:   "asm <file.ssa>",
	Short: "parse, optimize, and select instructions, printing the resulting assembly IR",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		src := readFileOrDie(args[0])
		text, err := compile.CompileToAssembly(src)
		if err != nil {
			die(err)
		}
		fmt.Print(text)
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <file.o>",
	Short: "decode an ELF object's .text section back into assembly instructions",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		buf, err := os.ReadFile(args[0])
		if err != nil {
			die(err)
		}
		obj, err := objfile.Read(buf)
		if err != nil {
			die(err)
		}
		for _, inst := range compile.Disassemble(obj.Text) {
			fmt.Println(inst.String())
		}
	},
}

func readFileOrDie(path string) string {
	buf, err := os.ReadFile(path)
	if err != nil {
		die(err)
	}
	return string(buf)
}

func trimExt(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

func die(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func init() {
	buildCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output object file path")
	rootCmd.AddCommand(buildCmd, asmCmd, disasmCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		die(err)
	}
}
