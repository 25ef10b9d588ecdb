package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-market/config"
	"github.com/saiset-co/sai-market/health"
	"github.com/saiset-co/sai-market/service"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML config file",
		EnvVars: []string{config.EnvConfigPath},
		Value:   config.DefaultConfigPath,
	}

	return &cli.App{
		Name:   "marketd",
		Usage:  "cached market-data API with live price streaming",
		Flags:  []cli.Flag{configFlag},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Start the HTTP API and the stream hub",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:  "check-config",
				Usage: "Validate the config file and exit",
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{Name: "print", Usage: "print the effective configuration"},
				},
				Action: checkConfig,
			},
			{
				Name:  "version",
				Usage: "Print build information",
				Action: func(c *cli.Context) error {
					fmt.Fprintln(c.App.Writer, health.ReadBuildInfo().String())
					return nil
				},
			},
		},
	}
}

func serve(c *cli.Context) error {
	ctx := context.Background()

	manager, err := config.NewManager(ctx, config.ResolvePath(c.String("config")))
	if err != nil {
		return err
	}

	svc, err := service.NewService(ctx, manager.GetConfig())
	if err != nil {
		return err
	}

	return svc.Start()
}

func checkConfig(c *cli.Context) error {
	path := config.ResolvePath(c.String("config"))

	manager, err := config.NewManager(c.Context, path)
	if err != nil {
		return err
	}

	if c.Bool("print") {
		out, err := yaml.Marshal(manager.GetConfig())
		if err != nil {
			return err
		}
		_, _ = c.App.Writer.Write(out)
		return nil
	}

	fmt.Fprintf(c.App.Writer, "%s: ok\n", path)
	return nil
}
