package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/util"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	configTest := flag.Bool("test", false, "Test the config and print the end result. Non zero exit indicates a faulty config")
	selfTest := flag.Int("selftest", 0, "Send this many timestamped frames through the loopback device, report and exit")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	err := c.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	hz := c.GetInt("ptp.clock_hz", ethdma.DefaultClockHz)
	if hz <= 0 {
		// Main rejects it, the device only needs something to start with
		hz = ethdma.DefaultClockHz
	}
	dev := mac.NewLoopback(l, uint8(c.GetInt("phy.address", 0)), uint64(hz))
	dev.SimTimer().WriteTime(ptp.FromTime(time.Now()))
	h := newLogHandler(l)

	ctrl, err := ethdma.Main(c, *configTest, Build, l, dev, h)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *configTest {
		os.Exit(0)
	}

	if err := ctrl.Start(); err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		os.Exit(1)
	}

	if *selfTest > 0 {
		err := runSelfTest(l, ctrl, h, *selfTest)
		ctrl.Stop()
		if err != nil {
			l.WithError(err).Error("Self test failed")
			os.Exit(1)
		}
		os.Exit(0)
	}

	notifyReady(l)
	ctrl.ShutdownBlock()
	notifyStopping(l)
	os.Exit(0)
}
