// Command dminer runs a diamond-miner style multipath traceroute
// against one destination and prints the resulting per-flow hop
// report.
//
// Structured as a small Command dispatch table, each command owning
// its own flag.FlagSet registered in init(), a usageTmpl rendered
// through text/template, and fatal wrapping os.Exit(1) on configuration
// error. This tool has one primary operation (trace) plus an
// "interfaces" facility for picking --interface, so the dispatch table
// only ever has two entries.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"text/template"
)

var usageTmpl = `Usage:
	dminer command [flags] [arguments]

The commands are:{{range .}}
	{{.Name | printf "%-12s"}} {{.Descr}} {{end}}
`

var commands = []*Command{
	cmdTrace,
	cmdInterfaces,
}

// Command bundles a subcommand's flags, its entry point, and the
// usage renderer.
type Command struct {
	Flag      flag.FlagSet
	Func      func(cmd *Command, args []string)
	Usage     func(cmd *Command)
	UsageTmpl string
	CanonName string
	Aliases   []string
	Descr     string
}

func (cmd *Command) fatal(err error) {
	fmt.Fprintf(os.Stderr, "%v\n", err)
	os.Exit(1)
}

func (cmd *Command) match(name string) bool {
	if name == cmd.CanonName {
		return true
	}
	for _, alias := range cmd.Aliases {
		if name == alias {
			return true
		}
	}
	return false
}

func (cmd *Command) Name() string {
	s := cmd.CanonName
	for _, alias := range cmd.Aliases {
		s += "|" + alias
	}
	return s
}

func cmdUsage(cmd *Command) {
	bw := bufio.NewWriter(os.Stderr)
	t := template.New(cmd.CanonName)
	template.Must(t.Parse(cmd.UsageTmpl))
	if err := t.Execute(bw, cmd); err != nil {
		panic(err)
	}
	bw.Flush()
	cmd.Flag.PrintDefaults()
	os.Exit(1)
}

func main() {
	flag.Usage = func() {
		bw := bufio.NewWriter(os.Stderr)
		t := template.New("dminer")
		template.Must(t.Parse(usageTmpl))
		if err := t.Execute(bw, commands); err != nil {
			panic(err)
		}
		bw.Flush()
		os.Exit(1)
	}

	args := os.Args[1:]
	if len(args) == 0 {
		flag.Usage()
	}

	for _, cmd := range commands {
		if !cmd.match(args[0]) {
			continue
		}
		cmd.Flag.Usage = func() { cmd.Usage(cmd) }
		cmd.Flag.Parse(args[1:])
		cmd.Func(cmd, cmd.Flag.Args())
		return
	}

	// No subcommand name matched: this tool has exactly one primary
	// CLI surface, so a bare --dst-addr invocation (no leading command
	// word) still runs the trace.
	cmdTrace.Flag.Usage = func() { cmdTrace.Usage(cmdTrace) }
	cmdTrace.Flag.Parse(args)
	cmdTrace.Func(cmdTrace, cmdTrace.Flag.Args())
}
