package main

import (
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/ocram-io/ocramd/server"
)

func main() {
	app := cli.NewApp()
	app.Name = "ocramd"
	app.Usage = "Decrypt-and-load trusted application with delegated memory regions"
	app.Version = server.Version
	app.Flags = getFlags()
	app.Action = func(c *cli.Context) error {
		config, err := server.NewConfig(c.String("config"))
		if err != nil {
			return err
		}
		if c.IsSet("port") {
			config.Port = c.Int("port")
		}
		if c.IsSet("level") {
			level, err := server.GetLogLevel(c.String("level"))
			if err != nil {
				return err
			}
			config.LogLevel = level
		}
		if c.IsSet("nats-servers") {
			servers, err := normalizeNatsServers(c.StringSlice("nats-servers"))
			if err != nil {
				return err
			}
			config.NATS.Servers = servers
		}
		if c.IsSet("embedded-nats") {
			config.EmbeddedNATS = c.Bool("embedded-nats")
		}
		if c.IsSet("storage-backend") {
			config.Storage.Backend = c.String("storage-backend")
		}
		if c.IsSet("storage-path") {
			config.Storage.Path = c.String("storage-path")
		}

		server := server.New(config)
		if err := server.Start(); err != nil {
			return err
		}
		runtime.Goexit()
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.IntFlag{
			Name:  "port, p",
			Usage: "port to bind the API server to",
			Value: server.DefaultPort,
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
		cli.StringSliceFlag{
			Name:  "nats-servers, n",
			Usage: "connect to NATS cluster at `ADDR[,ADDR]` for delegation",
		},
		cli.BoolFlag{
			Name:  "embedded-nats",
			Usage: "run a NATS server in process for delegation",
		},
		cli.StringFlag{
			Name:  "storage-backend",
			Usage: "persistent object backend [memory|bolt|file|redis]",
		},
		cli.StringFlag{
			Name:  "storage-path",
			Usage: "store the persistent object at `PATH`",
		},
	}
}

// normalizeNatsServers flattens repeated and comma-separated --nats-servers
// values into a list of trimmed URLs.
func normalizeNatsServers(natsServers []string) ([]string, error) {
	var servers []string
	for _, s := range natsServers {
		for _, url := range strings.Split(s, ",") {
			url = strings.TrimSpace(url)
			if url == "" {
				return nil, errors.Errorf("empty NATS server in %q", s)
			}
			servers = append(servers, url)
		}
	}
	return servers, nil
}
