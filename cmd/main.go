package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/loricooperhdf/hdf4/pkg/utils"
	"github.com/loricooperhdf/hdf4/pkg/version"
)

var logger = utils.GetLogger("main")

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"debug", "v"},
			Usage:   "enable debug log",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "only warning and errors",
		},
		&cli.StringFlag{
			Name:  "log",
			Usage: "path of log file when running in background",
		},
	}
}

func setLoggerLevel(c *cli.Context) {
	if c.Bool("verbose") {
		utils.SetLogLevel(logrus.DebugLevel)
	} else if c.Bool("quiet") {
		utils.SetLogLevel(logrus.WarnLevel)
	} else {
		utils.SetLogLevel(logrus.InfoLevel)
	}
	if f := c.String("log"); f != "" {
		utils.SetOutFile(f)
	}
}

func main() {
	app := &cli.App{
		Name:    "hdf4",
		Usage:   "inspect and rework chunked HDF4 container files",
		Version: version.Version(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			infoFlags(),
			dumpFlags(),
			repackFlags(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logger.Fatalf("%s", err)
	}
}
