package main

import (
	"os"

	"github.com/jxskiss/gopkg/v2/zlog"
	"github.com/urfave/cli/v2"

	"github.com/jxskiss/gwxlate/pkg/config"
)

func main() {
	defer zlog.Sync()

	err := newApp().Run(os.Args)
	if err != nil {
		zlog.Fatal(err.Error())
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gwxlate"
	app.HelpName = "gwxlate"
	app.Usage = "Translate API gateway configuration between gateway products"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "settings", Usage: "gwxlate settings file, default " + config.DefaultFile},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
	}
	app.Before = loadSettings

	app.Commands = []*cli.Command{
		generateCommand(),
		importCommand(),
		validateCommand(),
		generateAllCommand(),
		targetsCommand(),
	}
	return app
}

const settingsKey = "settings"

func loadSettings(c *cli.Context) error {
	cfg, err := config.ReadConfig(c.String("settings"))
	if err != nil {
		return err
	}
	cfg.SetupLogging(c.Bool("verbose"))
	if c.App.Metadata == nil {
		c.App.Metadata = map[string]any{}
	}
	c.App.Metadata[settingsKey] = cfg
	return nil
}

func settings(c *cli.Context) *config.Configuration {
	return c.App.Metadata[settingsKey].(*config.Configuration)
}
