// Command luac compiles a Lua 5.3 source file and prints the
// resulting Prototype: its instruction stream, constants and nested
// function prototypes. It never runs the result — this module has no
// bytecode interpreter — it only exercises the lexer/parser/codegen
// pipeline, the way cmd/compile's gc package can be driven with -S to
// print generated code without producing a runnable binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shankusu2017/lua-sub001/internal/lua"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "luac <source.lua>",
		Short: "Compile a Lua 5.3 chunk and dump its bytecode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			if verbose {
				var err error
				log, err = zap.NewDevelopment()
				if err != nil {
					return err
				}
				defer log.Sync()
			}
			return compile(os.Stdout, log, args[0])
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log collector diagnostics (finalizer errors) to stderr")
	return cmd
}

func compile(w *os.File, log *zap.Logger, path string) error {
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	g := lua.NewGlobalState(nil, log)
	read := false
	reader := func() ([]byte, error) {
		if read {
			return nil, nil
		}
		read = true
		return src, nil
	}

	proto, err := lua.Compile(g, path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	dumpPrototype(w, proto, "")
	return nil
}

func dumpPrototype(w *os.File, p *lua.Prototype, indent string) {
	fmt.Fprintf(w, "%sfunction <%s:%d,%d> (%d instructions, %d params%s)\n",
		indent, p.Source, p.LineDefined, p.LastLineDefined, len(p.Code), p.NumParams, varargSuffix(p))
	for i, ins := range p.Code {
		fmt.Fprintf(w, "%s\t%d\t[%d]\t%-10s %d %d %d\n", indent, i+1, ins.Line, ins.Op, ins.A, ins.B, ins.C)
	}
	if len(p.Constants) > 0 {
		fmt.Fprintf(w, "%sconstants (%d):\n", indent, len(p.Constants))
		for i, k := range p.Constants {
			fmt.Fprintf(w, "%s\t%d\t%s\n", indent, i+1, describeConstant(k))
		}
	}
	for _, nested := range p.Protos {
		dumpPrototype(w, nested, indent+"  ")
	}
}

func varargSuffix(p *lua.Prototype) string {
	if p.IsVararg {
		return ", vararg"
	}
	return ""
}

func describeConstant(v lua.Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.Tag() == lua.TagBoolean:
		return fmt.Sprintf("%v", v.AsBool())
	case v.Tag() == lua.TagInteger:
		return fmt.Sprintf("%d", v.AsInt())
	case v.Tag() == lua.TagFloat:
		return fmt.Sprintf("%g", v.AsFloat())
	case v.Tag().IsString():
		return fmt.Sprintf("%q", v.AsString().String())
	default:
		return "?"
	}
}
