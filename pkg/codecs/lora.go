package codecs

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// loraUplink is the JSON envelope LoRa network servers publish on rx topics.
// The device frame itself is base64 in the data field.
type loraUplink struct {
	ApplicationID string          `json:"applicationID"`
	DevEUI        string          `json:"devEUI"`
	FPort         int             `json:"fPort"`
	Data          string          `json:"data"`
	RXInfo        json.RawMessage `json:"rxInfo,omitempty"`
}

// frameFromLoRaPayload extracts the binary device frame: either the base64
// data field of a network-server envelope, or the payload itself when it is
// not such an envelope.
func frameFromLoRaPayload(raw []byte) []byte {
	var env loraUplink
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != "" {
		if frame, err := base64.StdEncoding.DecodeString(env.Data); err == nil {
			return frame
		}
	}
	return raw
}

// decodeDraginoLHT65 decodes the Dragino LHT65 temperature/humidity frame:
// battery millivolts (2B, upper 2 bits are status), built-in temperature
// (int16, 1/100 degC) and humidity (uint16, 1/10 %RH).
func decodeDraginoLHT65(raw []byte, _ Hints) map[string]any {
	frame := frameFromLoRaPayload(raw)
	if len(frame) < 6 {
		return map[string]any{}
	}

	battMV := binary.BigEndian.Uint16(frame[0:2]) & 0x3FFF
	temp := int16(binary.BigEndian.Uint16(frame[2:4]))
	hum := binary.BigEndian.Uint16(frame[4:6])

	return map[string]any{
		devices.FieldBatteryLevel: batteryPercentFromMillivolts(battMV),
		devices.FieldTemperature:  float64(temp) / 100.0,
		devices.FieldHumidity:     float64(hum) / 10.0,
	}
}

// decodeMilesightEM300 decodes the Milesight EM300 channel/type TLV stream:
// 0x01 0x75 battery %, 0x03 0x67 temperature (int16, 1/10 degC),
// 0x04 0x68 humidity (uint8, 1/2 %RH). Unknown channels end the scan since
// their lengths are not known.
func decodeMilesightEM300(raw []byte, _ Hints) map[string]any {
	frame := frameFromLoRaPayload(raw)
	fields := map[string]any{}

	for i := 0; i+1 < len(frame); {
		channel, kind := frame[i], frame[i+1]
		switch {
		case channel == 0x01 && kind == 0x75 && i+2 < len(frame):
			fields[devices.FieldBatteryLevel] = float64(frame[i+2])
			i += 3
		case channel == 0x03 && kind == 0x67 && i+3 < len(frame):
			t := int16(binary.LittleEndian.Uint16(frame[i+2 : i+4]))
			fields[devices.FieldTemperature] = float64(t) / 10.0
			i += 4
		case channel == 0x04 && kind == 0x68 && i+2 < len(frame):
			fields[devices.FieldHumidity] = float64(frame[i+2]) / 2.0
			i += 3
		default:
			return fields
		}
	}
	return fields
}

func batteryPercentFromMillivolts(mv uint16) float64 {
	// LHT65 runs 2.4V (empty) to 3.1V (full).
	const empty, full = 2400.0, 3100.0
	pct := (float64(mv) - empty) / (full - empty) * 100.0
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
