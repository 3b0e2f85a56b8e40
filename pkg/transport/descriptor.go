package transport

// ADB interface identification triple (USB vendor-specific class).
const (
	adbClass    = 0xff
	adbSubclass = 0x42
	adbProtocol = 0x01
)

// USB descriptor type codes (USB 2.0 Specification, table 9-5).
const (
	descTypeConfiguration = 0x02
	descTypeInterface     = 0x04
	descTypeEndpoint      = 0x05
)

// Endpoint attribute and address bits.
const (
	transferTypeMask = 0x03
	transferTypeBulk = 0x02
	directionIn      = 0x80
)

// InterfaceConfig names the configuration, interface, and bulk endpoint
// pair to use on an attached ADB device. Endpoint fields hold the endpoint
// number with the direction bit stripped.
type InterfaceConfig struct {
	Configuration uint8  // bConfigurationValue to select
	Interface     uint8  // bInterfaceNumber of the ADB interface
	InEndpoint    uint8  // Bulk IN endpoint number
	OutEndpoint   uint8  // Bulk OUT endpoint number
	MaxPacketSize uint16 // wMaxPacketSize of the endpoint pair
}

// FindADBInterface walks a raw configuration descriptor blob looking for an
// interface matching the ADB class/subclass/protocol triple with exactly
// two bulk endpoints, one IN and one OUT. It returns ErrNoADBInterface when
// no such interface exists or the blob is malformed.
func FindADBInterface(raw []byte) (InterfaceConfig, error) {
	var (
		cfg       InterfaceConfig
		matched   bool
		inMatched bool // currently walking endpoints of the matched interface
		haveIn    bool
		haveOut   bool
	)

	var configValue uint8
	pos := 0
	for pos+2 <= len(raw) {
		length := int(raw[pos])
		if length < 2 || pos+length > len(raw) {
			// Malformed descriptor; stop rather than walk garbage.
			break
		}

		switch raw[pos+1] {
		case descTypeConfiguration:
			if length >= 6 {
				configValue = raw[pos+5]
			}

		case descTypeInterface:
			if matched {
				inMatched = false
				break
			}
			haveIn, haveOut = false, false
			if length < 8 {
				inMatched = false
				break
			}
			inMatched = raw[pos+4] == 2 && // exactly two endpoints
				raw[pos+5] == adbClass &&
				raw[pos+6] == adbSubclass &&
				raw[pos+7] == adbProtocol
			if inMatched {
				cfg.Configuration = configValue
				cfg.Interface = raw[pos+2]
			}

		case descTypeEndpoint:
			if !inMatched || length < 7 {
				break
			}
			if raw[pos+3]&transferTypeMask != transferTypeBulk {
				break
			}
			address := raw[pos+2]
			if address&directionIn != 0 {
				cfg.InEndpoint = address &^ directionIn
				haveIn = true
			} else {
				cfg.OutEndpoint = address
				haveOut = true
			}
			cfg.MaxPacketSize = uint16(raw[pos+4]) | uint16(raw[pos+5])<<8
			if haveIn && haveOut {
				matched = true
			}
		}

		pos += length
	}

	if !matched {
		return InterfaceConfig{}, ErrNoADBInterface
	}
	return cfg, nil
}
