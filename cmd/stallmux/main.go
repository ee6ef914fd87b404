package main

import (
	"context"
	"flag"
	"os"

	"github.com/mkoga/stallmux/internal/cli"
	"github.com/mkoga/stallmux/internal/config"
)

func main() {
	cfg := config.DefaultConfig()
	socketPath := flag.String("socket", cfg.SocketPath, "UDS path of stallmuxd")
	flag.Parse()

	r := cli.NewRunner(*socketPath, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), flag.Args()))
}
