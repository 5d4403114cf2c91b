package engine

import (
	"bytes"
	"image"
	"math"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/gidorah/image-processing-service-api/internal/model"
	"github.com/gidorah/image-processing-service-api/internal/pipeline"
)

// State is the in-memory representation threaded through the pipeline:
// the output of operation i is the input of operation i+1. Encoding
// state (target format, JPEG quality) travels with the pixels so that
// convert_format and compress are ordinary operators.
type State struct {
	Img     image.Image
	Format  string // encode format, e.g. "jpeg"
	Quality int    // JPEG quality, 0 means the library default
}

// ImageOperator applies one operation kind to the pipeline state.
// The engine depends only on this interface; the actual pixel math
// lives in the operators and can be swapped out in tests.
type ImageOperator interface {
	Kind() model.OpKind
	Apply(st *State, params map[string]string) error
}

// Limits are the engine's resource ceilings, enforced before any
// pixels are touched.
type Limits struct {
	MaxPixelDim int   // maximum width/height of any intermediate or final image
	MaxCost     int64 // maximum estimated pixels processed across the whole pipeline
}

// Engine applies a canonical pipeline to source bytes. Apply is a pure
// function: the same source, pipeline and output format produce
// byte-identical output, which the fingerprint cache depends on.
type Engine struct {
	operators map[model.OpKind]ImageOperator
	limits    Limits
}

// New builds an engine from the given operators.
func New(limits Limits, operators ...ImageOperator) *Engine {
	e := &Engine{
		operators: make(map[model.OpKind]ImageOperator, len(operators)),
		limits:    limits,
	}
	for _, op := range operators {
		e.operators[op.Kind()] = op
	}
	return e
}

// Default builds an engine with the full built-in operator set.
// fontPath points at the TrueType font used for text watermarks.
func Default(limits Limits, fontPath string) *Engine {
	return New(limits,
		&resizeOperator{},
		&cropOperator{},
		&rotateOperator{},
		&watermarkOperator{fontPath: fontPath},
		&flipOperator{},
		&mirrorOperator{},
		&compressOperator{},
		&convertFormatOperator{},
		&filterOperator{},
	)
}

// Apply runs every operation of the pipeline in sequence over the
// source bytes and encodes the result. outputFormat, when non-empty,
// overrides any convert_format operation for the final encode.
func (e *Engine) Apply(src []byte, p pipeline.Pipeline, outputFormat string) ([]byte, error) {
	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		return nil, transformErr(ReasonDecodeFailure, "decode image config: %w", err)
	}

	if err := e.checkCeilings(p, cfg.Width, cfg.Height); err != nil {
		return nil, err
	}

	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, transformErr(ReasonDecodeFailure, "decode image: %w", err)
	}

	st := &State{Img: img, Format: srcFormat}
	for _, op := range p.Operations() {
		operator, ok := e.operators[op.Kind]
		if !ok {
			return nil, transformErr(ReasonUnsupportedOperation, "no operator registered for %q", op.Kind)
		}
		if err := operator.Apply(st, op.Params); err != nil {
			if IsPermanent(err) {
				return nil, err
			}
			return nil, &TransformError{Reason: ReasonInvalidParameters, Err: err}
		}
	}

	if outputFormat != "" {
		st.Format = outputFormat
	}
	return encode(st)
}

// checkCeilings walks the pipeline symbolically, projecting the image
// dimensions each operation would produce, and rejects the request when
// any intermediate exceeds the pixel ceiling or the summed cost exceeds
// the budget. This guards the synchronous path before any work is done.
func (e *Engine) checkCeilings(p pipeline.Pipeline, w, h int) error {
	if e.limits.MaxPixelDim > 0 && (w > e.limits.MaxPixelDim || h > e.limits.MaxPixelDim) {
		return transformErr(ReasonResourceExceeded, "source %dx%d exceeds maximum dimension %d", w, h, e.limits.MaxPixelDim)
	}
	var cost int64
	for _, op := range p.Operations() {
		cost += int64(w) * int64(h)
		w, h = projectDims(op, w, h)
		if e.limits.MaxPixelDim > 0 && (w > e.limits.MaxPixelDim || h > e.limits.MaxPixelDim) {
			return transformErr(ReasonResourceExceeded, "%s would produce %dx%d, exceeding maximum dimension %d", op.Kind, w, h, e.limits.MaxPixelDim)
		}
	}
	if e.limits.MaxCost > 0 && cost > e.limits.MaxCost {
		return transformErr(ReasonResourceExceeded, "estimated cost %d exceeds budget %d", cost, e.limits.MaxCost)
	}
	return nil
}

// EstimateCost returns the pixels-processed heuristic the dispatch
// router compares against the synchronous threshold: the sum of the
// input pixel count of every operation in the pipeline.
func EstimateCost(p pipeline.Pipeline, w, h int) int64 {
	var cost int64
	for _, op := range p.Operations() {
		cost += int64(w) * int64(h)
		w, h = projectDims(op, w, h)
	}
	return cost
}

// projectDims returns the dimensions op would produce given a w×h
// input, without touching any pixels.
func projectDims(op model.OperationSpec, w, h int) (int, int) {
	switch op.Kind {
	case model.OpResize:
		return atoi(op.Params["width"], w), atoi(op.Params["height"], h)
	case model.OpCrop:
		cw, ch := atoi(op.Params["width"], w), atoi(op.Params["height"], h)
		if cw < w || ch < h {
			return min(cw, w), min(ch, h)
		}
		return w, h
	case model.OpRotate:
		deg := atof(op.Params["degrees"], 0)
		switch deg {
		case 0, 180:
			return w, h
		case 90, 270:
			return h, w
		}
		// Arbitrary rotation produces the bounding box of the
		// rotated rectangle.
		rad := deg * math.Pi / 180
		sin, cos := math.Abs(math.Sin(rad)), math.Abs(math.Cos(rad))
		return int(math.Ceil(float64(w)*cos + float64(h)*sin)),
			int(math.Ceil(float64(w)*sin + float64(h)*cos))
	default:
		return w, h
	}
}

// atoi parses s as an int, returning def when s is empty or invalid.
func atoi(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

// atof parses s as a float64, returning def when s is empty or invalid.
func atof(s string, def float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return v
}

func encode(st *State) ([]byte, error) {
	format, err := imaging.FormatFromExtension(st.Format)
	if err != nil {
		return nil, transformErr(ReasonUnsupportedOperation, "unsupported encode format %q", st.Format)
	}

	var opts []imaging.EncodeOption
	if st.Quality > 0 && format == imaging.JPEG {
		opts = append(opts, imaging.JPEGQuality(st.Quality))
	}

	buf := new(bytes.Buffer)
	if err := imaging.Encode(buf, st.Img, format, opts...); err != nil {
		return nil, transformErr(ReasonEncodeFailure, "encode image: %w", err)
	}
	return buf.Bytes(), nil
}
