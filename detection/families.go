package detection

import (
	"regexp"
	"strconv"

	"github.com/google/uuid"
	errw "github.com/pkg/errors"

	"github.com/budslink/agent/bluez"
)

const (
	FamilyAirpods = "airpods"
	FamilySonyV1  = "sony-v1"
	FamilySonyV2  = "sony-v2"

	FieldModalias = "Modalias"
)

var (
	AirpodsServiceID = uuid.MustParse("74ec2172-0bad-4d01-8f77-997b2be0722a")
	SonyV1ServiceID  = uuid.MustParse("96cc203e-5068-46ad-b32d-e316f5e069ba")
	SonyV2ServiceID  = uuid.MustParse("956c7b26-d49a-4ba8-b03f-b17d393cb6e2")

	// bluetooth:vXXXXpXXXXdXXXX, usb:vXXXXpXXXXdXXXX and trailing usb class fields
	modaliasRegex = regexp.MustCompile(`^(bluetooth|usb):v([0-9A-Fa-f]{4})p([0-9A-Fa-f]{4})d([0-9A-Fa-f]{4})`)
)

// Modalias is a parsed Device1 Modalias property. The vendor namespace depends on Source: bluetooth SIG company
// identifiers for "bluetooth", USB-IF vendor ids for "usb".
type Modalias struct {
	Source  string
	Vendor  uint16
	Product uint16
	Version uint16
}

func ParseModalias(s string) (Modalias, error) {
	m := modaliasRegex.FindStringSubmatch(s)
	if m == nil {
		return Modalias{}, errw.Errorf("unrecognized modalias %q", s)
	}
	var out Modalias
	out.Source = m[1]
	for i, dst := range []*uint16{&out.Vendor, &out.Product, &out.Version} {
		v, err := strconv.ParseUint(m[i+2], 16, 16)
		if err != nil {
			return Modalias{}, errw.Wrapf(err, "parsing modalias %q", s)
		}
		*dst = uint16(v)
	}
	return out, nil
}

// VendorIDs maps a modalias source to the vendor id expected under it.
type VendorIDs map[string]uint16

var (
	AppleVendor = VendorIDs{"bluetooth": 0x004C, "usb": 0x05AC}
	SonyVendor  = VendorIDs{"bluetooth": 0x012D, "usb": 0x054C}
)

// VendorPredicate matches devices whose modalias names one of vendors.
func VendorPredicate(vendors VendorIDs) Predicate {
	return func(id bluez.DeviceIdentity) (bool, error) {
		raw, ok := id.DescriptorString(FieldModalias)
		if !ok {
			return false, errw.Errorf("%s is not a string", FieldModalias)
		}
		m, err := ParseModalias(raw)
		if err != nil {
			return false, err
		}
		want, ok := vendors[m.Source]
		return ok && want == m.Vendor, nil
	}
}

// FamilyToggles enables the built-in families.
type FamilyToggles struct {
	Airpods bool
	Sony    bool
}

// BuiltinRules returns the enabled families in priority order.
func BuiltinRules(toggles FamilyToggles) []Rule {
	var rules []Rule
	if toggles.Airpods {
		rules = append(rules, Rule{
			Family:           FamilyAirpods,
			ProtocolID:       AirpodsServiceID,
			RequiredServices: []uuid.UUID{AirpodsServiceID},
			RequiredFields:   []string{FieldModalias},
			Match:            VendorPredicate(AppleVendor),
		})
	}
	if toggles.Sony {
		rules = append(rules,
			Rule{
				Family:           FamilySonyV1,
				ProtocolID:       SonyV1ServiceID,
				RequiredServices: []uuid.UUID{SonyV1ServiceID},
				RequiredFields:   []string{FieldModalias},
				Match:            VendorPredicate(SonyVendor),
			},
			Rule{
				Family:           FamilySonyV2,
				ProtocolID:       SonyV2ServiceID,
				RequiredServices: []uuid.UUID{SonyV2ServiceID},
				RequiredFields:   []string{FieldModalias},
				Match:            VendorPredicate(SonyVendor),
			},
		)
	}
	return rules
}
