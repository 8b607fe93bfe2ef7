package devices

import (
	"strings"
	"time"
)

// GatewayType identifies the vendor convention a device speaks over the broker.
// It selects topic layout, payload envelope and downlink frame format.
type GatewayType string

const (
	GatewayGeneric     GatewayType = "generic"
	GatewayVendorALora GatewayType = "vendor_a_lora"
	GatewayVendorBLora GatewayType = "vendor_b_lora"
	GatewayThingsBoard GatewayType = "thingsboard"
)

// MessageCategory classifies an uplink or downlink message by its logical channel.
type MessageCategory string

const (
	CategoryTelemetry  MessageCategory = "telemetry"
	CategoryAttributes MessageCategory = "attributes"
	CategoryStatus     MessageCategory = "status"
	CategoryAlerts     MessageCategory = "alerts"
	CategoryCommands   MessageCategory = "commands"
	CategoryRPCRequest MessageCategory = "rpc_request"
)

// DeviceStatus is the registry-side activation state of a binding.
type DeviceStatus string

const (
	StatusActive   DeviceStatus = "active"
	StatusInactive DeviceStatus = "inactive"
)

// DeviceKeyPrefix marks platform-assigned device keys, as opposed to
// vendor hardware identifiers such as LoRaWAN EUIs.
const DeviceKeyPrefix = "dev_"

// IsDeviceKey reports whether identifier is a platform device key rather
// than a vendor identifier.
func IsDeviceKey(identifier string) bool {
	return strings.HasPrefix(identifier, DeviceKeyPrefix)
}

// CodecHint carries the payload-codec selection hints stored on a binding.
type CodecHint struct {
	CodecID      string `json:"codec_id,omitempty" firestore:"codecId"`
	Manufacturer string `json:"manufacturer,omitempty" firestore:"manufacturer"`
	Model        string `json:"model,omitempty" firestore:"model"`
}

// DeviceBinding is the registry record associating a platform device key
// with vendor-specific identifiers and connectivity metadata. It is owned
// by the external device registry; the gateway only reads it, except for
// auto-registration which creates minimal records.
type DeviceBinding struct {
	DeviceID      string            `json:"device_id" firestore:"deviceId"`
	DeviceKey     string            `json:"device_key" firestore:"deviceKey"`
	VendorID      string            `json:"vendor_id,omitempty" firestore:"vendorId"`
	GatewayType   GatewayType       `json:"gateway_type" firestore:"gatewayType"`
	ApplicationID string            `json:"application_id,omitempty" firestore:"applicationId"`
	Codec         CodecHint         `json:"codec,omitempty" firestore:"codec"`
	Status        DeviceStatus      `json:"status" firestore:"status"`
	AccountID     string            `json:"account_id" firestore:"accountId"`
	Name          string            `json:"name,omitempty" firestore:"name"`
	DeviceType    string            `json:"device_type,omitempty" firestore:"deviceType"`
	Metadata      map[string]string `json:"metadata,omitempty" firestore:"metadata"`
}

// RequiresVendorID reports whether the binding's gateway type addresses
// devices by vendor identifier on the wire. Such bindings are rejected at
// creation time when the identifier is missing.
func (b *DeviceBinding) RequiresVendorID() bool {
	return b.GatewayType == GatewayVendorALora || b.GatewayType == GatewayVendorBLora
}

// Command is an abstract downlink instruction prior to vendor encoding.
type Command struct {
	Method    string         `json:"method"`
	Params    map[string]any `json:"params,omitempty"`
	Port      int            `json:"port,omitempty"`
	Confirmed bool           `json:"confirmed,omitempty"`
}

// CanonicalEnvelope is the normalized, vendor-agnostic representation of a
// decoded device message emitted to persistence, broadcast and automation.
type CanonicalEnvelope struct {
	DeviceKey   string          `json:"device_key"`
	DeviceID    string          `json:"device_id,omitempty"`
	AccountID   string          `json:"account_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Protocol    string          `json:"protocol"`
	Category    MessageCategory `json:"category"`
	Values      map[string]any  `json:"values"`
	RawMetadata map[string]any  `json:"raw_metadata,omitempty"`
}

// Canonical value keys. Decoded fields with these names land in
// CanonicalEnvelope.Values; everything else is preserved in RawMetadata.
const (
	FieldTemperature    = "temperature"
	FieldHumidity       = "humidity"
	FieldPressure       = "pressure"
	FieldLatitude       = "latitude"
	FieldLongitude      = "longitude"
	FieldBatteryLevel   = "batteryLevel"
	FieldSignalStrength = "signalStrength"
)

// CanonicalFields is the closed set of canonical value keys.
var CanonicalFields = map[string]bool{
	FieldTemperature:    true,
	FieldHumidity:       true,
	FieldPressure:       true,
	FieldLatitude:       true,
	FieldLongitude:      true,
	FieldBatteryLevel:   true,
	FieldSignalStrength: true,
}
