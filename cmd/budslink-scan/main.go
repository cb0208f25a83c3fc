// budslink-scan lists nearby advertisers that look like headphones with a built-in family.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	errw "github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"tinygo.org/x/bluetooth"
)

var opts struct {
	Duration time.Duration `default:"30s"                        description:"How long to scan"  long:"duration" short:"t"`
	All      bool          `description:"Show every advertiser" long:"all"                     short:"a"`
	Help     bool          `description:"Show this help message" long:"help"                    short:"h"`
}

func main() {
	logger := logging.NewLogger("budslink-scan")

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "scans for Bluetooth LE advertisements from supported headphone vendors."
	if _, err := parser.Parse(); err != nil {
		logger.Fatal(err)
	}
	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if err := scan(bluetooth.DefaultAdapter, opts.Duration); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}

func scan(adapter *bluetooth.Adapter, duration time.Duration) error {
	if err := adapter.Enable(); err != nil {
		return errw.Wrap(err, "enabling bluetooth adapter")
	}

	//nolint:forbidigo
	fmt.Printf("Scanning for %s...\n", duration)

	// the scan callback runs on a single goroutine
	seen := make(map[string]bool)
	done := make(chan error, 1)
	go func() {
		done <- adapter.Scan(func(_ *bluetooth.Adapter, device bluetooth.ScanResult) {
			addr := device.Address.String()
			if seen[addr] {
				return
			}
			c, ok := classify(device.ManufacturerData())
			if !ok && !opts.All {
				return
			}
			seen[addr] = true
			desc := "unsupported"
			if ok {
				desc = c.String()
			}
			//nolint:forbidigo
			fmt.Printf("%s %q rssi %d: %s\n", addr, device.LocalName(), device.RSSI, desc)
		})
	}()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case err := <-done:
		return errw.Wrap(err, "scanning")
	case <-timer.C:
	}
	stopErr := adapter.StopScan()
	return errors.Join(<-done, stopErr)
}
