package pipeline

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

var testLimits = Limits{MaxOperations: 10, MaxPixelDim: 10000}

func op(kind model.OpKind, kv ...string) model.OperationSpec {
	params := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i]] = kv[i+1]
	}
	return model.OperationSpec{Kind: kind, Params: params}
}

func TestBuild_Valid(t *testing.T) {
	p, err := Build([]model.OperationSpec{
		op(model.OpResize, "width", "400", "height", "300"),
		op(model.OpConvertFormat, "format", "png"),
	}, testLimits)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("pipeline length: got %d, want 2", p.Len())
	}
}

func TestBuild_ValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		op    model.OperationSpec
		kind  model.OpKind
		field string
	}{
		{"rotate degrees out of range", op(model.OpRotate, "degrees", "450"), model.OpRotate, "degrees"},
		{"rotate degrees negative", op(model.OpRotate, "degrees", "-10"), model.OpRotate, "degrees"},
		{"rotate degrees missing", op(model.OpRotate), model.OpRotate, "degrees"},
		{"resize zero width", op(model.OpResize, "width", "0", "height", "100"), model.OpResize, "width"},
		{"resize width over max", op(model.OpResize, "width", "20000", "height", "100"), model.OpResize, "width"},
		{"resize non-integer", op(model.OpResize, "width", "abc", "height", "100"), model.OpResize, "width"},
		{"resize bad mode", op(model.OpResize, "width", "10", "height", "10", "mode", "zoom"), model.OpResize, "mode"},
		{"crop zero height", op(model.OpCrop, "x", "0", "y", "0", "width", "10", "height", "0"), model.OpCrop, "height"},
		{"compress quality zero", op(model.OpCompress, "quality", "0"), model.OpCompress, "quality"},
		{"compress quality over 100", op(model.OpCompress, "quality", "101"), model.OpCompress, "quality"},
		{"watermark no text", op(model.OpWatermark), model.OpWatermark, "text"},
		{"watermark opacity over 1", op(model.OpWatermark, "text", "hi", "opacity", "1.5"), model.OpWatermark, "opacity"},
		{"convert unknown format", op(model.OpConvertFormat, "format", "webp"), model.OpConvertFormat, "format"},
		{"filter unknown name", op(model.OpFilter, "name", "posterize"), model.OpFilter, "name"},
		{"filter blur bad radius", op(model.OpFilter, "name", "blur", "radius", "0"), model.OpFilter, "radius"},
		{"unknown kind", op("sharpify"), "sharpify", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build([]model.OperationSpec{tt.op}, testLimits)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v, want ValidationError", err)
			}
			if ve.Kind != tt.kind {
				t.Errorf("kind: got %q, want %q", ve.Kind, tt.kind)
			}
			if ve.Field != tt.field {
				t.Errorf("field: got %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestBuild_EmptyPipeline(t *testing.T) {
	_, err := Build(nil, testLimits)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestBuild_TooManyOperations(t *testing.T) {
	ops := make([]model.OperationSpec, 11)
	for i := range ops {
		ops[i] = op(model.OpFlip)
	}
	_, err := Build(ops, testLimits)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("got %v, want ValidationError", err)
	}
}

func TestCanonicalize_CollapsesConsecutive(t *testing.T) {
	tests := []struct {
		name string
		in   []model.OperationSpec
		want int
	}{
		{
			"two stretch resizes keep the last",
			[]model.OperationSpec{
				op(model.OpResize, "width", "800", "height", "600"),
				op(model.OpResize, "width", "400", "height", "300"),
			},
			1,
		},
		{
			"two format conversions keep the last",
			[]model.OperationSpec{
				op(model.OpConvertFormat, "format", "png"),
				op(model.OpConvertFormat, "format", "jpeg"),
			},
			1,
		},
		{
			"adjacent flips cancel",
			[]model.OperationSpec{op(model.OpFlip), op(model.OpFlip), op(model.OpMirror)},
			1,
		},
		{
			"rotate zero dropped",
			[]model.OperationSpec{op(model.OpRotate, "degrees", "0"), op(model.OpMirror)},
			1,
		},
		{
			"fit resizes are not collapsed",
			[]model.OperationSpec{
				op(model.OpResize, "width", "800", "height", "600", "mode", "fit"),
				op(model.OpResize, "width", "400", "height", "300", "mode", "fit"),
			},
			2,
		},
		{
			"non-adjacent resizes are not collapsed",
			[]model.OperationSpec{
				op(model.OpResize, "width", "800", "height", "600"),
				op(model.OpMirror),
				op(model.OpResize, "width", "400", "height", "300"),
			},
			3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(tt.in, testLimits)
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if p.Len() != tt.want {
				t.Errorf("length: got %d, want %d (%s)", p.Len(), tt.want, p.CanonicalBytes())
			}
		})
	}
}

func TestCanonicalize_KeepsLastOfCollapsedPair(t *testing.T) {
	p, err := Build([]model.OperationSpec{
		op(model.OpResize, "width", "800", "height", "600"),
		op(model.OpResize, "width", "400", "height", "300"),
	}, testLimits)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	got := p.Operations()[0].Params["width"]
	if got != "400" {
		t.Errorf("surviving resize width: got %s, want 400", got)
	}
}

func TestCanonicalBytes_Stable(t *testing.T) {
	build := func() Pipeline {
		p, err := Build([]model.OperationSpec{
			op(model.OpRotate, "degrees", "090"), // normalizes to "90"
			op(model.OpCrop, "y", "10", "x", "20", "height", "50", "width", "40"),
		}, testLimits)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		return p
	}

	a, b := build().CanonicalBytes(), build().CanonicalBytes()
	if !bytes.Equal(a, b) {
		t.Errorf("canonical bytes differ:\n%s\n%s", a, b)
	}

	want := "rotate(degrees=90);crop(height=50,width=40,x=20,y=10);"
	if string(a) != want {
		t.Errorf("canonical bytes: got %s, want %s", a, want)
	}
}

func TestCanonicalBytes_OrderSensitive(t *testing.T) {
	rotate := op(model.OpRotate, "degrees", "90")
	crop := op(model.OpCrop, "x", "0", "y", "0", "width", "100", "height", "100")

	p1, err := Build([]model.OperationSpec{rotate, crop}, testLimits)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	p2, err := Build([]model.OperationSpec{crop, rotate}, testLimits)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if bytes.Equal(p1.CanonicalBytes(), p2.CanonicalBytes()) {
		t.Error("different operation orders produced identical canonical bytes")
	}
}
