package device

import (
	"github.com/google/uuid"
)

// Protocol metadata advertised by every emulated outlet. Echo-family
// controllers only look at the device type and the basicevent service, the
// remaining fields are what a stock Belkin socket reports.
const (
	DeviceType   = "urn:Belkin:device:controllee:1"
	Manufacturer = "Belkin International Inc."
	ModelName    = "Emulated Socket"
	ModelNumber  = "3.1415"

	BasicEventServiceType = "urn:Belkin:service:basicevent:1"
	BasicEventServiceID   = "urn:Belkin:serviceId:basicevent1"
	MetaInfoServiceType   = "urn:Belkin:service:metainfo:1"
	MetaInfoServiceID     = "urn:Belkin:serviceId:metainfo1"
)

// Identity is the protocol identity of one virtual device.
type Identity struct {
	// Name is the friendly name spoken to the voice assistant.
	Name string

	// UUID is derived from Name, so restarting the process never makes the
	// assistant rediscover the device as a new one.
	UUID uuid.UUID

	// Serial is the string form of UUID.
	Serial string

	// UDN is the unique device name used in the device description.
	UDN string
}

// NewIdentity derives the identity for a device name. The same name always
// yields the same UUID (name-based, MD5, X.500 namespace).
func NewIdentity(name string) Identity {
	id := uuid.NewMD5(uuid.NameSpaceX500, []byte(name))
	serial := id.String()
	return Identity{
		Name:   name,
		UUID:   id,
		Serial: serial,
		UDN:    "uuid:Socket-1_0-" + serial,
	}
}
