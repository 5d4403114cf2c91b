package model

// OpKind identifies a single pixel transformation type.
type OpKind string

const (
	OpResize        OpKind = "resize"
	OpCrop          OpKind = "crop"
	OpRotate        OpKind = "rotate"
	OpWatermark     OpKind = "watermark"
	OpFlip          OpKind = "flip"
	OpMirror        OpKind = "mirror"
	OpCompress      OpKind = "compress"
	OpConvertFormat OpKind = "convert_format"
	OpFilter        OpKind = "filter"
)

// OperationSpec describes one transformation and its parameters.
// Instances are treated as immutable once built; validation and
// canonicalization produce fresh copies instead of mutating in place.
type OperationSpec struct {
	Kind   OpKind            `json:"kind"`
	Params map[string]string `json:"params,omitempty"` // e.g., width/height, degrees, watermark text, etc.
}

// Clone returns a deep copy of the spec so callers can hold it
// without sharing the params map.
func (s OperationSpec) Clone() OperationSpec {
	cp := OperationSpec{Kind: s.Kind}
	if s.Params != nil {
		cp.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			cp.Params[k] = v
		}
	}
	return cp
}
