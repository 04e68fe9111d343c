package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagSTUNServers []string
	flagTURNServers []string
	flagTURNUser    string
	flagTURNPass    string
	flagEnableIPv6  bool
	flagPort        int
	flagTimeout     int
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.StringArrayVarP(&flagSTUNServers, "stun", "s", nil, "STUN server address (repeatable)")
	flag.StringArrayVarP(&flagTURNServers, "turn", "t", nil, "TURN server address (repeatable)")
	flag.StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN long-term credential username")
	flag.StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN long-term credential password")
	flag.BoolVarP(&flagEnableIPv6, "enable-ipv6", "6", false, "Permit use of IPv6")
	flag.IntVarP(&flagPort, "port", "P", 0, "Local port to bind (default: ephemeral)")
	flag.IntVarP(&flagTimeout, "timeout", "T", 5, "Seconds to wait for gathering to settle")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Gather and print local ICE candidates against a STUN/TURN server set

Usage: natprobe [OPTION]...

Network:
  -6, --enable-ipv6        Permit use of IPv6 (default: disabled)
  -P, --port=NUM           Local port to bind (default: ephemeral)
  -s, --stun=ADDR          STUN server address, host:port (repeatable)
  -t, --turn=ADDR          TURN server address, host:port (repeatable)
  -u, --turn-user=NAME     TURN long-term credential username
  -p, --turn-pass=SECRET   TURN long-term credential password
  -T, --timeout=SECONDS    Seconds to wait for gathering to settle (default: 5)

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version            Prints version information and exits
`

func help() {
	b := color.New(color.FgCyan)
	y := color.New(color.FgYellow)

	b.Print("nat")
	y.Println("probe")
	fmt.Println(helpString)
}
