package main

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"

	"github.com/budslink/agent/detection"
)

// Apple continuity message carrying the model of a pair of earbuds out of their case.
const appleProximityPairing = 0x07

// candidate is an advertiser whose manufacturer data names a vendor with a built-in family.
type candidate struct {
	Vendor  string
	Model   uint16
	HasCase bool
}

var companies = map[uint16]string{
	detection.AppleVendor["bluetooth"]: "apple",
	detection.SonyVendor["bluetooth"]:  "sony",
}

// classify looks for manufacturer data from a supported vendor.
func classify(elements []bluetooth.ManufacturerDataElement) (candidate, bool) {
	for _, e := range elements {
		vendor, ok := companies[e.CompanyID]
		if !ok {
			continue
		}
		c := candidate{Vendor: vendor}
		if vendor == "apple" {
			// type, length, prefix, then the big endian model id
			if len(e.Data) < 5 || e.Data[0] != appleProximityPairing {
				continue
			}
			c.Model = uint16(e.Data[3])<<8 | uint16(e.Data[4])
			c.HasCase = true
		}
		return c, true
	}
	return candidate{}, false
}

func (c candidate) String() string {
	var sb strings.Builder
	sb.WriteString(c.Vendor)
	if c.HasCase {
		fmt.Fprintf(&sb, " model 0x%04X", c.Model)
	}
	return sb.String()
}
