package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
)

var interfacesUsageTmpl = `Usage:
	dminer {{.Name}} [flags] [interface name]

`

var (
	cmdInterfaces = &Command{
		Func:      interfacesMain,
		Usage:     cmdUsage,
		UsageTmpl: interfacesUsageTmpl,
		CanonName: "interfaces",
		Aliases:   []string{"int", "show"},
		Descr:     "List local interfaces and their addresses",
	}

	interfacesBrief bool
)

func init() {
	cmdInterfaces.Flag.BoolVar(&interfacesBrief, "b", false, "Show brief information")
}

// interfacesMain prints the same information a general network-facility
// inspection tool would (name, index, up/down, flags, MTU,
// hardware address, unicast addresses), here in service of
// --interface's purpose: picking a source interface for a trace. A
// range-coalescing display layer has no counterpart here: listing one
// host's own interfaces never needs range coalescing, so addresses are
// printed directly from net.Interface.Addrs().
func interfacesMain(cmd *Command, args []string) {
	var ift []net.Interface
	if len(args) > 0 {
		ifi, err := net.InterfaceByName(args[0])
		if err != nil {
			cmd.fatal(err)
		}
		ift = append(ift, *ifi)
	} else {
		var err error
		ift, err = net.Interfaces()
		if err != nil {
			cmd.fatal(err)
		}
	}

	status := func(ifi *net.Interface) string {
		if ifi.Flags&net.FlagUp == 0 {
			return "down"
		}
		return "up"
	}
	hwaddr := func(ifi *net.Interface) string {
		if len(ifi.HardwareAddr) == 0 {
			return "<nil>"
		}
		return ifi.HardwareAddr.String()
	}

	bw := bufio.NewWriter(os.Stdout)
	if interfacesBrief {
		const banner = "%-16s  %-5s  %-6s  %-5s  %s\n"
		fmt.Fprintf(bw, banner, "Name", "Index", "Status", "MTU", "Hardware address")
		for _, ifi := range ift {
			fmt.Fprintf(bw, banner, ifi.Name, fmt.Sprintf("%d", ifi.Index), status(&ifi), fmt.Sprintf("%d", ifi.MTU), hwaddr(&ifi))
		}
	} else {
		for _, ifi := range ift {
			fmt.Fprintf(bw, "%s is %s, flags: <%v>, index: %d\n", ifi.Name, status(&ifi), ifi.Flags, ifi.Index)
			fmt.Fprintf(bw, "\tHardware address is %s\n", hwaddr(&ifi))
			fmt.Fprintf(bw, "\tMTU %d bytes\n", ifi.MTU)
			printAddrs(bw, &ifi)
		}
	}
	bw.Flush()
}

func printAddrs(w *bufio.Writer, ifi *net.Interface) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return
	}
	if len(addrs) == 0 {
		return
	}
	fmt.Fprintf(w, "\tAddresses:\n")
	for _, a := range addrs {
		fmt.Fprintf(w, "\t\t%v\n", a)
	}
}
