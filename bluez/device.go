package bluez

import (
	"maps"
	"slices"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	errw "github.com/pkg/errors"
)

// suffix of the bluetooth base UUID, short assigned numbers are expanded against it.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// Device1 properties with a dedicated DeviceIdentity field. Everything else is a descriptor.
const (
	propAddress   = "Address"
	propConnected = "Connected"
	propAlias     = "Alias"
	propIcon      = "Icon"
	propName      = "Name"
	propUUIDs     = "UUIDs"
)

// DeviceIdentity is the snapshot of one BlueZ device the detector and manager work from.
type DeviceIdentity struct {
	Path      dbus.ObjectPath
	Address   string
	Connected bool
	Alias     string
	Icon      string
	Name      string
	// ServiceIDs is the advertised service list, empty until service discovery completes
	ServiceIDs []uuid.UUID
	// Descriptors holds every other Device1 property (Modalias, Class, ManufacturerData...), unwrapped from its variant
	Descriptors map[string]any
}

// HasServices reports whether every id in required is advertised.
func (d DeviceIdentity) HasServices(required []uuid.UUID) bool {
	for _, id := range required {
		if !slices.Contains(d.ServiceIDs, id) {
			return false
		}
	}
	return true
}

// Descriptor returns the value of key, and false when it is absent or nil.
func (d DeviceIdentity) Descriptor(key string) (any, bool) {
	v, ok := d.Descriptors[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// DescriptorString is Descriptor for string-valued properties.
func (d DeviceIdentity) DescriptorString(key string) (string, bool) {
	v, ok := d.Descriptor(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a copy that shares nothing mutable with d.
func (d DeviceIdentity) Clone() DeviceIdentity {
	out := d
	out.ServiceIDs = slices.Clone(d.ServiceIDs)
	out.Descriptors = maps.Clone(d.Descriptors)
	return out
}

// IdentityFromProperties builds an identity out of a Device1 property map.
func IdentityFromProperties(path dbus.ObjectPath, props map[string]dbus.Variant) DeviceIdentity {
	id := DeviceIdentity{
		Path:        path,
		Descriptors: make(map[string]any),
	}
	for key, variant := range props {
		value := variant.Value()
		switch key {
		case propAddress:
			id.Address, _ = value.(string)
		case propConnected:
			id.Connected, _ = value.(bool)
		case propAlias:
			id.Alias, _ = value.(string)
		case propIcon:
			id.Icon, _ = value.(string)
		case propName:
			id.Name, _ = value.(string)
		case propUUIDs:
			raw, _ := value.([]string)
			id.ServiceIDs = ParseUUIDs(raw)
		default:
			id.Descriptors[key] = value
		}
	}
	if id.Address == "" {
		id.Address = AddressFromPath(path)
	}
	return id
}

// ParseUUIDs normalizes a BlueZ UUID list, skipping entries that cannot be parsed.
func ParseUUIDs(raw []string) []uuid.UUID {
	if len(raw) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := NormalizeUUID(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// NormalizeUUID parses s, expanding 16 and 32 bit assigned numbers against the bluetooth base UUID.
func NormalizeUUID(s string) (uuid.UUID, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s += baseUUIDSuffix
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, errw.Wrapf(err, "parsing service uuid %q", s)
	}
	return id, nil
}

// AddressFromPath extracts the device address from a BlueZ device path (dev_AA_BB_CC_DD_EE_FF).
func AddressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	if !strings.HasPrefix(s, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(s, "dev_"), "_", ":")
}
