// Command daliserver multiplexes a DALI-USB interrupt device across
// concurrent TCP clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/onitake/daliserver/internal/daemon"
)

var (
	listenAddr = flag.String("l", "127.0.0.1", "listen address")
	listenPort = flag.Int("p", 55825, "listen port")
	logLevel   = flag.String("d", "info", "log level: fatal|error|warn|info|debug")
	dryRun     = flag.Bool("n", false, "dry-run: do not open the USB device, reply Success to every request")
	usbPin     = flag.String("u", "", "pin to a specific USB device, as bus:device")

	// Daemonization, PID files and log destinations are external
	// collaborators; the flags are accepted so a caller's script doesn't
	// break, but daliserver itself ignores them.
	daemonize  = flag.Bool("b", false, "daemonize (external, ignored by the core)")
	pidFile    = flag.String("r", "/var/run/daliserver.pid", "PID file (external, ignored by the core)")
	logFile    = flag.String("f", "", "log file (external, ignored by the core)")
	useSyslog  = flag.Bool("s", false, "enable syslog (external, ignored by the core)")
)

func main() {
	flag.Parse()
	_, _, _, _ = *daemonize, *pidFile, *logFile, *useSyslog

	cfg := daemon.DefaultConfig()
	cfg.ListenAddr = *listenAddr
	cfg.ListenPort = *listenPort
	cfg.LogLevel = *logLevel
	cfg.DryRun = *dryRun

	if *usbPin != "" {
		bus, dev, err := parseBusDevice(*usbPin)
		if err != nil {
			log.Fatalf("daliserver: -u %q: %v", *usbPin, err)
		}
		cfg.USBBus = bus
		cfg.USBDevice = dev
	}

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("daliserver: %v", err)
	}

	if err := d.Run(context.Background()); err != nil {
		log.Fatalf("daliserver: %v", err)
	}
	os.Exit(0)
}

func parseBusDevice(s string) (bus, device int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected bus:device")
	}
	bus, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad bus number: %w", err)
	}
	device, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad device number: %w", err)
	}
	return bus, device, nil
}
