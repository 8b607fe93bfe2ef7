package codecs

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

func TestDecodeGenericPassthrough(t *testing.T) {
	r := NewRegistry()

	fields := r.Decode([]byte(`{"temperature":22.5,"humidity":40,"custom_field":"abc"}`), Hints{})
	assert.Equal(t, 22.5, fields["temperature"])
	assert.Equal(t, 40.0, fields["humidity"])
	assert.Equal(t, "abc", fields["custom_field"])
}

func TestDecodeDispatchPrecedence(t *testing.T) {
	r := NewRegistry()
	r.RegisterDecoder("by-id", "", "", func([]byte, Hints) map[string]any {
		return map[string]any{"via": "codec_id"}
	})
	r.RegisterDecoder("", "acme", "x1", func([]byte, Hints) map[string]any {
		return map[string]any{"via": "model"}
	})

	tests := []struct {
		name  string
		hints Hints
		want  string
	}{
		{"explicit codec id wins", Hints{CodecID: "by-id", Manufacturer: "acme", Model: "x1"}, "codec_id"},
		{"manufacturer and model next", Hints{Manufacturer: "ACME", Model: "X1"}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := r.Decode([]byte(`{}`), tt.hints)
			assert.Equal(t, tt.want, fields["via"])
		})
	}

	// Unrecognized hints fall back to generic passthrough, never an error.
	fields := r.Decode([]byte(`{"rssi":-71}`), Hints{CodecID: "never-registered", Manufacturer: "nope", Model: "nope"})
	assert.Equal(t, -71.0, fields["rssi"])
}

// Decode is total: whatever the bytes and hints, it returns a map and never
// panics out of the ingestion path.
func TestDecodeNeverPanics(t *testing.T) {
	r := NewRegistry()
	r.RegisterDecoder("hostile", "", "", func([]byte, Hints) map[string]any {
		panic("vendor codec bug")
	})

	payloads := [][]byte{
		nil,
		{},
		{0x00, 0xFF, 0x13, 0x37},
		[]byte("not json at all"),
		[]byte(`{"truncated":`),
		[]byte(`[1,2,3]`),
		[]byte(`"just a string"`),
		make([]byte, 4096),
	}
	hintSets := []Hints{
		{},
		{CodecID: "hostile"},
		{CodecID: "dragino-lht65"},
		{Manufacturer: "milesight", Model: "em300"},
		{GatewayType: devices.GatewayVendorBLora, Port: 199},
	}

	for _, payload := range payloads {
		for _, hints := range hintSets {
			fields := r.Decode(payload, hints)
			require.NotNil(t, fields)
		}
	}
}

func TestDecodeTotalFailureYieldsEmptyMap(t *testing.T) {
	r := NewRegistry()
	fields := r.Decode([]byte{0xDE, 0xAD}, Hints{})
	assert.Empty(t, fields)
}

func TestDecodeDraginoLHT65(t *testing.T) {
	// 3.05V battery, 22.51 degC, 45.3 %RH.
	frame := []byte{0x0B, 0xEA, 0x08, 0xCB, 0x01, 0xC5}
	r := NewRegistry()

	fields := r.Decode(frame, Hints{CodecID: "dragino-lht65"})
	assert.InDelta(t, 22.51, fields[devices.FieldTemperature], 0.001)
	assert.InDelta(t, 45.3, fields[devices.FieldHumidity], 0.001)
	assert.InDelta(t, 92.86, fields[devices.FieldBatteryLevel], 0.1)
}

func TestDecodeDraginoFromNetworkServerEnvelope(t *testing.T) {
	frame := []byte{0x0B, 0xEA, 0x08, 0xCB, 0x01, 0xC5}
	envelope, err := json.Marshal(map[string]any{
		"applicationID": "1",
		"devEUI":        "a81758fffe030123",
		"fPort":         2,
		"data":          base64.StdEncoding.EncodeToString(frame),
	})
	require.NoError(t, err)

	r := NewRegistry()
	fields := r.Decode(envelope, Hints{Manufacturer: "Dragino", Model: "LHT65"})
	assert.InDelta(t, 22.51, fields[devices.FieldTemperature], 0.001)
}

func TestDecodeMilesightEM300(t *testing.T) {
	// battery 98%, temperature 24.1 degC, humidity 63.5 %RH.
	frame := []byte{
		0x01, 0x75, 0x62,
		0x03, 0x67, 0xF1, 0x00,
		0x04, 0x68, 0x7F,
	}
	r := NewRegistry()

	fields := r.Decode(frame, Hints{CodecID: "milesight-em300"})
	assert.Equal(t, 98.0, fields[devices.FieldBatteryLevel])
	assert.InDelta(t, 24.1, fields[devices.FieldTemperature], 0.001)
	assert.InDelta(t, 63.5, fields[devices.FieldHumidity], 0.001)
}

func TestEncodeVendorAFrame(t *testing.T) {
	r := NewRegistry()

	payload, err := r.Encode(
		devices.Command{Method: "set_light", Params: map[string]any{"on": true}},
		Hints{GatewayType: devices.GatewayVendorALora},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x0B, 0x01}, payload)

	payload, err = r.Encode(
		devices.Command{Method: "set_interval", Params: map[string]any{"seconds": 60.0}},
		Hints{GatewayType: devices.GatewayVendorALora},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x02, 0x3C}, payload)

	_, err = r.Encode(
		devices.Command{Method: "play_song", Params: map[string]any{"id": 4}},
		Hints{GatewayType: devices.GatewayVendorALora},
	)
	var unsupported *ErrUnsupportedMethod
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "play_song", unsupported.Method)
}

func TestEncodeVendorBDownlink(t *testing.T) {
	r := NewRegistry()
	payload, err := r.Encode(
		devices.Command{Method: "set_light", Params: map[string]any{"on": true}, Port: 12, Confirmed: true},
		Hints{GatewayType: devices.GatewayVendorBLora},
	)
	require.NoError(t, err)

	var queued struct {
		Confirmed bool   `json:"confirmed"`
		FPort     int    `json:"fPort"`
		Data      string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &queued))
	assert.True(t, queued.Confirmed)
	assert.Equal(t, 12, queued.FPort)

	body, err := base64.StdEncoding.DecodeString(queued.Data)
	require.NoError(t, err)
	var cmd struct {
		Method string         `json:"method"`
		Params map[string]any `json:"params"`
	}
	require.NoError(t, json.Unmarshal(body, &cmd))
	assert.Equal(t, "set_light", cmd.Method)
	assert.Equal(t, true, cmd.Params["on"])
}

func TestEncodeGenericAndUnknownGateway(t *testing.T) {
	r := NewRegistry()

	payload, err := r.Encode(
		devices.Command{Method: "reboot", Params: map[string]any{"delay": 5.0}},
		Hints{GatewayType: devices.GatewayGeneric},
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"reboot","params":{"delay":5}}`, string(payload))

	// Unregistered gateway type falls back to JSON-encoding params.
	payload, err = r.Encode(
		devices.Command{Method: "reboot", Params: map[string]any{"delay": 5.0}},
		Hints{GatewayType: devices.GatewayType("mystery")},
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"delay":5}`, string(payload))
}
