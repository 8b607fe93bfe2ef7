// Package codecs decodes vendor payloads into flat scalar maps and encodes
// abstract commands into vendor wire formats. Decoding is total: whatever
// the input, it returns a (possibly empty) map and never panics out of the
// ingestion path.
package codecs

import (
	"encoding/json"
	"strings"

	"github.com/msufyanabbas/smartlife-iot-backend-sub002/pkg/devices"
)

// Hints carries everything a dispatch decision may key on. All fields are
// optional; the zero value selects the generic JSON passthrough.
type Hints struct {
	CodecID      string
	Manufacturer string
	Model        string
	Port         int
	VendorID     string
	GatewayType  devices.GatewayType
}

// HintsFor builds dispatch hints from a registry binding.
func HintsFor(b devices.DeviceBinding) Hints {
	return Hints{
		CodecID:      b.Codec.CodecID,
		Manufacturer: b.Codec.Manufacturer,
		Model:        b.Codec.Model,
		VendorID:     b.VendorID,
		GatewayType:  b.GatewayType,
	}
}

// DecodeFunc turns a raw payload into flat scalar fields.
type DecodeFunc func(raw []byte, hints Hints) map[string]any

// EncodeFunc turns an abstract command into a vendor wire frame.
type EncodeFunc func(cmd devices.Command, hints Hints) ([]byte, error)

// Registry holds the static vendor→codec tables. Adding a vendor means
// adding a table entry; dispatch itself never changes.
type Registry struct {
	byCodecID map[string]DecodeFunc
	byModel   map[string]DecodeFunc
	encoders  map[devices.GatewayType]EncodeFunc
}

// NewRegistry returns a registry with the built-in vendor codecs installed.
func NewRegistry() *Registry {
	r := &Registry{
		byCodecID: make(map[string]DecodeFunc),
		byModel:   make(map[string]DecodeFunc),
		encoders:  make(map[devices.GatewayType]EncodeFunc),
	}

	r.RegisterDecoder("dragino-lht65", "dragino", "lht65", decodeDraginoLHT65)
	r.RegisterDecoder("milesight-em300", "milesight", "em300", decodeMilesightEM300)

	r.RegisterEncoder(devices.GatewayVendorALora, encodeVendorAFrame)
	r.RegisterEncoder(devices.GatewayVendorBLora, encodeVendorBDownlink)
	r.RegisterEncoder(devices.GatewayGeneric, encodeJSONCommand)
	r.RegisterEncoder(devices.GatewayThingsBoard, encodeJSONCommand)

	return r
}

// RegisterDecoder installs a decoder under an explicit codec id and,
// optionally, a manufacturer+model pair.
func (r *Registry) RegisterDecoder(codecID, manufacturer, model string, fn DecodeFunc) {
	if codecID != "" {
		r.byCodecID[strings.ToLower(codecID)] = fn
	}
	if manufacturer != "" && model != "" {
		r.byModel[modelKey(manufacturer, model)] = fn
	}
}

// RegisterEncoder installs a downlink encoder for a gateway type.
func (r *Registry) RegisterEncoder(gt devices.GatewayType, fn EncodeFunc) {
	r.encoders[gt] = fn
}

// Decode dispatches on hints, most specific first: explicit codec id, then
// manufacturer+model, then generic JSON passthrough. A codec that panics on
// hostile input is contained here; the result degrades to the passthrough
// and, failing that, an empty map.
func (r *Registry) Decode(raw []byte, hints Hints) (fields map[string]any) {
	defer func() {
		if recover() != nil {
			fields = decodeGenericJSON(raw, hints)
		}
		if fields == nil {
			fields = map[string]any{}
		}
	}()

	if fn, ok := r.byCodecID[strings.ToLower(hints.CodecID)]; ok && hints.CodecID != "" {
		return fn(raw, hints)
	}
	if fn, ok := r.byModel[modelKey(hints.Manufacturer, hints.Model)]; ok {
		return fn(raw, hints)
	}
	return decodeGenericJSON(raw, hints)
}

// Encode dispatches on gateway type. Unrecognized gateway types fall back to
// JSON-encoding the command parameters directly.
func (r *Registry) Encode(cmd devices.Command, hints Hints) ([]byte, error) {
	if fn, ok := r.encoders[hints.GatewayType]; ok {
		return fn(cmd, hints)
	}
	return json.Marshal(cmd.Params)
}

func modelKey(manufacturer, model string) string {
	return strings.ToLower(manufacturer) + "/" + strings.ToLower(model)
}

// decodeGenericJSON is the universal fallback: a field-for-field parse of
// the payload with no semantic mapping. Nested objects and arrays are kept
// as-is so the normalizer can preserve them as raw metadata.
func decodeGenericJSON(raw []byte, _ Hints) map[string]any {
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return map[string]any{}
	}
	return parsed
}
