package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
	"golang.org/x/xerrors"

	"github.com/lanikai/nattransport/internal/ice"
	"github.com/lanikai/nattransport/internal/turn"
)

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		fmt.Println("natprobe (github.com/lanikai/nattransport)")
		os.Exit(0)
	}

	var turnServers []turn.Config
	if len(flagTURNServers) > 0 {
		turnServers = append(turnServers, turn.Config{
			Servers:  flagTURNServers,
			Username: flagTURNUser,
			Password: flagTURNPass,
		})
	}

	cfg := ice.Config{
		Port:        flagPort,
		EnableIPv6:  flagEnableIPv6,
		STUNServers: flagSTUNServers,
		TURNServers: turnServers,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(flagTimeout)*time.Second)
	defer cancel()

	socket, err := ice.NewSocket(ctx, cfg)
	if err != nil {
		if xerrors.Is(err, ice.ErrNoInterfaceAddresses) {
			fmt.Fprintln(os.Stderr, "natprobe: no usable local interfaces, check --enable-ipv6")
		} else {
			fmt.Fprintln(os.Stderr, errors.Wrap(err, "natprobe: bind local socket"))
		}
		os.Exit(1)
	}
	defer socket.Close()

	select {
	case <-socket.Changed():
	case <-ctx.Done():
	}

	for _, c := range socket.Candidates() {
		fmt.Println(c.String())
	}
}
