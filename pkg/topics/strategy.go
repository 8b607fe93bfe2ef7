// Package topics maps device bindings to their broker topics and resolves
// inbound topic strings back to device identity and message category. The
// three supported grammars are fixed conventions, reproduced byte-for-byte:
//
//	generic      devices/{deviceKey}/{telemetry|attributes|status|alerts|commands}
//	vendor LoRa  application/{appId}/device/{vendorId}/{rx|tx|event/up|event/status|event/error|command/down}
//	thingsboard  v1/devices/{deviceKey|me}/{telemetry|attributes}, v1/devices/{deviceKey}/rpc/request/+
package topics

import (
	"strings"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// DefaultApplicationID fills the {appId} segment for LoRa bindings that do
// not carry one.
const DefaultApplicationID = "1"

// TopicStrategy is the derived set of per-device topics plus the uplink
// subscription patterns for the binding's convention. It is computed, never
// persisted.
type TopicStrategy struct {
	TelemetryTopic  string
	AttributesTopic string
	StatusTopic     string
	AlertsTopic     string
	CommandsTopic   string
	UplinkPatterns  []string
}

// Strategy derives a binding's topics deterministically from its gateway
// type and identifiers. LoRa vendors address devices by vendor identifier
// on the wire; the platform device key never appears in their topics.
func Strategy(b devices.DeviceBinding) TopicStrategy {
	switch b.GatewayType {
	case devices.GatewayVendorALora, devices.GatewayVendorBLora:
		appID := b.ApplicationID
		if appID == "" {
			appID = DefaultApplicationID
		}
		base := "application/" + appID + "/device/" + b.VendorID
		s := TopicStrategy{
			TelemetryTopic:  base + "/rx",
			AttributesTopic: base + "/event/up",
			StatusTopic:     base + "/event/status",
			AlertsTopic:     base + "/event/error",
			UplinkPatterns:  []string{base + "/rx", base + "/event/+"},
		}
		// Downlink framing differs between the two LoRa vendors: vendor A
		// takes raw frames on tx, vendor B queues JSON on command/down.
		if b.GatewayType == devices.GatewayVendorALora {
			s.CommandsTopic = base + "/tx"
		} else {
			s.CommandsTopic = base + "/command/down"
		}
		return s

	case devices.GatewayThingsBoard:
		base := "v1/devices/" + b.DeviceKey
		return TopicStrategy{
			TelemetryTopic:  base + "/telemetry",
			AttributesTopic: base + "/attributes",
			// The thingsboard-style grammar has no dedicated status or
			// alert channels; devices report both through attributes.
			StatusTopic:   base + "/attributes",
			AlertsTopic:   base + "/telemetry",
			CommandsTopic: base + "/rpc/request/1",
			UplinkPatterns: []string{
				base + "/telemetry",
				base + "/attributes",
				base + "/rpc/request/+",
			},
		}

	default:
		base := "devices/" + b.DeviceKey
		return TopicStrategy{
			TelemetryTopic:  base + "/telemetry",
			AttributesTopic: base + "/attributes",
			StatusTopic:     base + "/status",
			AlertsTopic:     base + "/alerts",
			CommandsTopic:   base + "/commands",
			UplinkPatterns:  []string{base + "/+"},
		}
	}
}

// UplinkSubscriptions returns the wildcard patterns covering uplinks of all
// supported conventions. The gateway subscribes to these once per (re)connect.
func UplinkSubscriptions() []string {
	return []string{
		"devices/+/+",
		"application/+/device/+/+",
		"application/+/device/+/event/+",
		"v1/devices/+/telemetry",
		"v1/devices/+/attributes",
		"v1/devices/+/rpc/request/+",
	}
}

// ExtractIdentity resolves a topic string to the device identifier it
// addresses and the message category it carries. ok is false when the topic
// matches no known grammar; wildcard subscriptions make such noise expected,
// so this is not an error condition.
func ExtractIdentity(topic string) (identifier string, category devices.MessageCategory, ok bool) {
	parts := strings.Split(topic, "/")

	switch {
	case len(parts) == 3 && parts[0] == "devices":
		cat, known := genericCategory(parts[2])
		if !known || parts[1] == "" {
			return "", "", false
		}
		return parts[1], cat, true

	case len(parts) >= 5 && parts[0] == "application" && parts[2] == "device":
		cat, known := vendorCategory(strings.Join(parts[4:], "/"))
		if !known || parts[3] == "" {
			return "", "", false
		}
		return parts[3], cat, true

	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "devices":
		if parts[2] == "" {
			return "", "", false
		}
		switch {
		case len(parts) == 4 && parts[3] == "telemetry":
			return parts[2], devices.CategoryTelemetry, true
		case len(parts) == 4 && parts[3] == "attributes":
			return parts[2], devices.CategoryAttributes, true
		case len(parts) >= 5 && parts[3] == "rpc" && parts[4] == "request":
			return parts[2], devices.CategoryRPCRequest, true
		}
		return "", "", false
	}

	return "", "", false
}

// Convention reports which gateway family a topic belongs to, without
// resolving the binding. Used as the protocol tag on emitted envelopes and
// as the gateway-type default for auto-registration.
func Convention(topic string) devices.GatewayType {
	parts := strings.Split(topic, "/")
	switch {
	case len(parts) >= 3 && parts[0] == "application" && parts[2] == "device":
		return devices.GatewayVendorALora
	case len(parts) >= 2 && parts[0] == "v1" && parts[1] == "devices":
		return devices.GatewayThingsBoard
	default:
		return devices.GatewayGeneric
	}
}

func genericCategory(segment string) (devices.MessageCategory, bool) {
	switch segment {
	case "telemetry":
		return devices.CategoryTelemetry, true
	case "attributes":
		return devices.CategoryAttributes, true
	case "status":
		return devices.CategoryStatus, true
	case "alerts":
		return devices.CategoryAlerts, true
	case "commands":
		return devices.CategoryCommands, true
	}
	return "", false
}

func vendorCategory(subpath string) (devices.MessageCategory, bool) {
	switch subpath {
	case "rx":
		return devices.CategoryTelemetry, true
	case "event/up":
		return devices.CategoryAttributes, true
	case "event/status":
		return devices.CategoryStatus, true
	case "event/error":
		return devices.CategoryAlerts, true
	case "tx", "command/down":
		return devices.CategoryCommands, true
	}
	return "", false
}
