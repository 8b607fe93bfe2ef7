package codecs

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// ErrUnsupportedMethod wraps methods a vendor frame format cannot express.
type ErrUnsupportedMethod struct {
	Method      string
	GatewayType devices.GatewayType
}

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("method %q has no %s encoding", e.Method, e.GatewayType)
}

// vendorAMethodCodes maps command methods to vendor A's control bytes. The
// device firmware only understands this fixed instruction set.
var vendorAMethodCodes = map[string]byte{
	"reboot":       0x01,
	"set_interval": 0x02,
	"set_light":    0x0B,
	"set_switch":   0x0C,
}

// encodeVendorAFrame builds vendor A's fixed-width control frame:
// [0xFF, methodCode, valueByte]. The value byte is taken from the single
// scalar parameter; booleans map to 0x01/0x00.
func encodeVendorAFrame(cmd devices.Command, _ Hints) ([]byte, error) {
	code, ok := vendorAMethodCodes[cmd.Method]
	if !ok {
		return nil, &ErrUnsupportedMethod{Method: cmd.Method, GatewayType: devices.GatewayVendorALora}
	}

	value := byte(0x00)
	for _, v := range cmd.Params {
		switch t := v.(type) {
		case bool:
			if t {
				value = 0x01
			}
		case float64:
			value = byte(int(t) & 0xFF)
		case int:
			value = byte(t & 0xFF)
		}
		break
	}
	return []byte{0xFF, code, value}, nil
}

// vendorBDownlink is the queue entry vendor B's network server expects on
// command/down: the command body rides base64-wrapped in the data field.
type vendorBDownlink struct {
	Confirmed bool   `json:"confirmed"`
	FPort     int    `json:"fPort"`
	Data      string `json:"data"`
}

func encodeVendorBDownlink(cmd devices.Command, _ Hints) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"method": cmd.Method,
		"params": cmd.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal command body: %w", err)
	}

	port := cmd.Port
	if port == 0 {
		port = 10
	}
	return json.Marshal(vendorBDownlink{
		Confirmed: cmd.Confirmed,
		FPort:     port,
		Data:      base64.StdEncoding.EncodeToString(body),
	})
}

// encodeJSONCommand is the generic downlink body: the method and parameters
// as plain JSON, which both generic and thingsboard-style devices accept.
func encodeJSONCommand(cmd devices.Command, _ Hints) ([]byte, error) {
	return json.Marshal(map[string]any{
		"method": cmd.Method,
		"params": cmd.Params,
	})
}
