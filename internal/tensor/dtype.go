package tensor

import (
	"fmt"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the arithmetic precision used for inference-only weights and
// inputs.
type DType string

const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// DTypeForMixedPrecision maps a mixed precision mode ("fp16", "bf16", "no")
// to the weight dtype.
func DTypeForMixedPrecision(mode string) (DType, error) {
	switch mode {
	case "fp16":
		return Float16, nil
	case "bf16":
		return BFloat16, nil
	case "no", "":
		return Float32, nil
	default:
		return "", fmt.Errorf("unknown mixed precision mode %q (must be: fp16, bf16, no)", mode)
	}
}

// Cast rounds every value to the precision of dt. Storage stays float32.
func Cast(t Tensor, dt DType) (Tensor, error) {
	out := t.Clone()
	switch dt {
	case Float32:
	case Float16:
		for i, v := range out.Data {
			out.Data[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		out.Data = bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(out.Data))
	default:
		return Tensor{}, fmt.Errorf("unsupported dtype %q", dt)
	}
	return out, nil
}
