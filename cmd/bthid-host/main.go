package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/nbridges/bthid"
	"github.com/nbridges/bthid/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "bthid-host"
	app.Usage = "discover, pair with, and forward reports from one Bluetooth Classic HID peripheral"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "local-name",
			Usage: "name advertised during inquiry scan; empty disables inquiry scan",
		},
		cli.StringFlag{
			Name:  "pin",
			Usage: "legacy PIN to offer on PIN Code Request",
		},
		cli.StringFlag{
			Name:  "class-of-device",
			Value: "000000",
			Usage: "6 hex digits written via Write Class of Device",
		},
		cli.IntFlag{
			Name:  "device",
			Value: 0,
			Usage: "controller index, e.g. 0 for hci0",
		},
		cli.DurationFlag{
			Name:  "tick",
			Value: 100 * time.Millisecond,
			Usage: "state-machine tick interval",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug-level logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	if c.Bool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	class, err := parseClassOfDevice(c.String("class-of-device"))
	if err != nil {
		return err
	}

	tr, err := transport.Open(c.Int("device"))
	if err != nil {
		return fmt.Errorf("bthid-host: opening controller: %w", err)
	}

	stack := bthid.New(bthid.Config{
		LocalName:     c.String("local-name"),
		PIN:           c.String("pin"),
		ClassOfDevice: class,
		TickInterval:  c.Duration("tick"),
	}, tr, log.WithField("component", "bthid"))

	stack.OnHIDInput = func(report []byte) {
		log.WithField("report", fmt.Sprintf("% X", report)).Debug("bthid-host: HID report")
	}

	return stack.Run()
}

func parseClassOfDevice(s string) ([3]byte, error) {
	var class [3]byte
	if len(s) != 6 {
		return class, fmt.Errorf("bthid-host: class-of-device must be 6 hex digits, got %q", s)
	}
	var v uint32
	if _, err := fmt.Sscanf(s, "%06x", &v); err != nil {
		return class, fmt.Errorf("bthid-host: parsing class-of-device: %w", err)
	}
	class[0] = byte(v)
	class[1] = byte(v >> 8)
	class[2] = byte(v >> 16)
	return class, nil
}
