package pipeline

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

// Limits bounds what a pipeline may ask for. Values come from config.
type Limits struct {
	MaxOperations int // maximum pipeline length
	MaxPixelDim   int // maximum width/height any operation may produce
}

// Pipeline is a validated, canonicalized, ordered sequence of operations.
// Order is semantically significant: rotate-then-crop is not crop-then-rotate.
// The zero value is an empty pipeline.
type Pipeline struct {
	ops []model.OperationSpec
}

// Operations returns a copy of the canonical operation sequence.
func (p Pipeline) Operations() []model.OperationSpec {
	out := make([]model.OperationSpec, len(p.ops))
	for i, op := range p.ops {
		out[i] = op.Clone()
	}
	return out
}

// Len returns the number of canonical operations.
func (p Pipeline) Len() int { return len(p.ops) }

// resize modes, watermark positions, filter names and encode formats
// accepted by the builder. The engine registers an operator per kind;
// anything outside these sets is rejected up front.
var (
	resizeModes = map[string]bool{"stretch": true, "fit": true, "fill": true}

	watermarkPositions = map[string]bool{
		"top-left": true, "top-right": true,
		"bottom-left": true, "bottom-right": true,
		"center": true,
	}

	filterNames = map[string]bool{
		"grayscale": true, "sepia": true, "invert": true,
		"blur": true, "sharpen": true,
	}

	// Formats holds the encode formats the service can produce.
	Formats = map[string]bool{
		"jpeg": true, "png": true, "gif": true, "tiff": true, "bmp": true,
	}
)

// Build validates raw operations against kind-specific constraints and
// returns the canonical pipeline. It is pure: the result depends only on
// the inputs. A constraint violation yields a *ValidationError naming the
// offending kind and field, never a generic failure.
func Build(raw []model.OperationSpec, limits Limits) (Pipeline, error) {
	if len(raw) == 0 {
		return Pipeline{}, invalid("", "", "pipeline must contain at least one operation")
	}
	if limits.MaxOperations > 0 && len(raw) > limits.MaxOperations {
		return Pipeline{}, invalid("", "", "pipeline exceeds maximum of "+strconv.Itoa(limits.MaxOperations)+" operations")
	}

	ops := make([]model.OperationSpec, 0, len(raw))
	for _, op := range raw {
		normalized, err := validate(op, limits)
		if err != nil {
			return Pipeline{}, err
		}
		ops = append(ops, normalized)
	}

	return Pipeline{ops: canonicalize(ops)}, nil
}

// validate checks one operation against its kind-specific constraints and
// returns a copy with parameter values in canonical string form (so that
// e.g. degrees "090" and "90" hash identically).
func validate(op model.OperationSpec, limits Limits) (model.OperationSpec, error) {
	out := model.OperationSpec{Kind: op.Kind, Params: map[string]string{}}

	switch op.Kind {
	case model.OpResize:
		w, err := intParam(op, "width", 1, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		h, err := intParam(op, "height", 1, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		mode := op.Params["mode"]
		if mode == "" {
			mode = "stretch"
		}
		if !resizeModes[mode] {
			return out, invalid(op.Kind, "mode", "unknown resize mode "+strconv.Quote(mode))
		}
		out.Params["width"] = strconv.Itoa(w)
		out.Params["height"] = strconv.Itoa(h)
		out.Params["mode"] = mode

	case model.OpCrop:
		x, err := intParam(op, "x", 0, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		y, err := intParam(op, "y", 0, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		w, err := intParam(op, "width", 1, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		h, err := intParam(op, "height", 1, limits.MaxPixelDim)
		if err != nil {
			return out, err
		}
		out.Params["x"] = strconv.Itoa(x)
		out.Params["y"] = strconv.Itoa(y)
		out.Params["width"] = strconv.Itoa(w)
		out.Params["height"] = strconv.Itoa(h)

	case model.OpRotate:
		deg, err := floatParam(op, "degrees")
		if err != nil {
			return out, err
		}
		if deg < 0 || deg >= 360 {
			return out, invalid(op.Kind, "degrees", "must be in [0,360)")
		}
		out.Params["degrees"] = formatFloat(deg)

	case model.OpWatermark:
		text := op.Params["text"]
		if text == "" {
			return out, invalid(op.Kind, "text", "required")
		}
		pos := op.Params["position"]
		if pos == "" {
			pos = "bottom-right"
		}
		if !watermarkPositions[pos] {
			return out, invalid(op.Kind, "position", "unknown position "+strconv.Quote(pos))
		}
		opacity := 1.0
		if _, ok := op.Params["opacity"]; ok {
			v, err := floatParam(op, "opacity")
			if err != nil {
				return out, err
			}
			if v < 0 || v > 1 {
				return out, invalid(op.Kind, "opacity", "must be in [0,1]")
			}
			opacity = v
		}
		out.Params["text"] = text
		out.Params["position"] = pos
		out.Params["opacity"] = formatFloat(opacity)

	case model.OpFlip, model.OpMirror:
		// No parameters.

	case model.OpCompress:
		q, err := intParam(op, "quality", 1, 100)
		if err != nil {
			return out, err
		}
		out.Params["quality"] = strconv.Itoa(q)

	case model.OpConvertFormat:
		format := op.Params["format"]
		if format == "jpg" {
			format = "jpeg"
		}
		if !Formats[format] {
			return out, invalid(op.Kind, "format", "unsupported format "+strconv.Quote(format))
		}
		out.Params["format"] = format

	case model.OpFilter:
		name := op.Params["name"]
		if !filterNames[name] {
			return out, invalid(op.Kind, "name", "unknown filter "+strconv.Quote(name))
		}
		out.Params["name"] = name
		if name == "blur" {
			radius := 3.0
			if _, ok := op.Params["radius"]; ok {
				v, err := floatParam(op, "radius")
				if err != nil {
					return out, err
				}
				if v <= 0 || v > 100 {
					return out, invalid(op.Kind, "radius", "must be in (0,100]")
				}
				radius = v
			}
			out.Params["radius"] = formatFloat(radius)
		}

	default:
		return out, invalid(op.Kind, "", "unknown operation kind")
	}

	return out, nil
}

// canonicalize collapses redundant adjacent operations. Collapsing is an
// optimization only: every rewrite here must leave the visual output
// unchanged for all inputs.
func canonicalize(ops []model.OperationSpec) []model.OperationSpec {
	for {
		next := collapseOnce(ops)
		if len(next) == len(ops) {
			return next
		}
		ops = next
	}
}

func collapseOnce(ops []model.OperationSpec) []model.OperationSpec {
	out := make([]model.OperationSpec, 0, len(ops))
	for _, op := range ops {
		// rotate by zero degrees is an identity.
		if op.Kind == model.OpRotate && op.Params["degrees"] == "0" {
			continue
		}
		if len(out) > 0 {
			prev := out[len(out)-1]
			// Of two consecutive resizes, compresses or format
			// conversions only the last one is effective.
			if op.Kind == prev.Kind &&
				(op.Kind == model.OpResize && op.Params["mode"] == "stretch" && prev.Params["mode"] == "stretch" ||
					op.Kind == model.OpCompress ||
					op.Kind == model.OpConvertFormat) {
				out[len(out)-1] = op
				continue
			}
			// Two adjacent flips (or mirrors) cancel out.
			if op.Kind == prev.Kind && (op.Kind == model.OpFlip || op.Kind == model.OpMirror) {
				out = out[:len(out)-1]
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

// CanonicalBytes returns the stable serialization of the pipeline used
// for fingerprinting. It is a pure function of the operation sequence:
// parameter keys are emitted in sorted order and values were normalized
// during validation, so equal pipelines always serialize identically.
func (p Pipeline) CanonicalBytes() []byte {
	var buf bytes.Buffer
	for _, op := range p.ops {
		buf.WriteString(string(op.Kind))
		buf.WriteByte('(')
		keys := make([]string, 0, len(op.Params))
		for k := range op.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(k)
			buf.WriteByte('=')
			buf.WriteString(op.Params[k])
		}
		buf.WriteString(");")
	}
	return buf.Bytes()
}

func intParam(op model.OperationSpec, field string, min, max int) (int, error) {
	raw, ok := op.Params[field]
	if !ok {
		return 0, invalid(op.Kind, field, "required")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(op.Kind, field, "must be an integer")
	}
	if v < min {
		return 0, invalid(op.Kind, field, "must be >= "+strconv.Itoa(min))
	}
	if max > 0 && v > max {
		return 0, invalid(op.Kind, field, "must be <= "+strconv.Itoa(max))
	}
	return v, nil
}

func floatParam(op model.OperationSpec, field string) (float64, error) {
	raw, ok := op.Params[field]
	if !ok {
		return 0, invalid(op.Kind, field, "required")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, invalid(op.Kind, field, "must be a number")
	}
	return v, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
