package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "raffle"
	app.Usage = "recurring ticket raffle with oracle-drawn winners"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "raffle.toml",
			Usage: "path to the TOML configuration file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the HTTP API, the janitor and the oracle loop",
			Action: serve,
		},
		{
			Name:   "status",
			Usage:  "print the current round",
			Action: status,
		},
		{
			Name:   "restore",
			Usage:  "renew archived store entries once",
			Action: restore,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
