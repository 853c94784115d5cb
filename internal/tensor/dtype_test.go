package tensor

import "testing"

func TestDTypeForMixedPrecision(t *testing.T) {
	tests := []struct {
		mode    string
		want    DType
		wantErr bool
	}{
		{"fp16", Float16, false},
		{"bf16", BFloat16, false},
		{"no", Float32, false},
		{"", Float32, false},
		{"fp8", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			got, err := DTypeForMixedPrecision(tt.mode)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.mode)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCastRoundsToPrecision(t *testing.T) {
	// 1 + 2^-12 is representable in float32 but not in float16 or bfloat16
	x, _ := New([]int{2}, []float32{1 + 1.0/4096, 0.5})

	for _, dt := range []DType{Float16, BFloat16} {
		t.Run(string(dt), func(t *testing.T) {
			got, err := Cast(x, dt)
			if err != nil {
				t.Fatalf("Cast failed: %v", err)
			}
			if got.Data[0] != 1 {
				t.Errorf("expected 1 after rounding, got %v", got.Data[0])
			}
			if got.Data[1] != 0.5 {
				t.Errorf("expected exact 0.5, got %v", got.Data[1])
			}
			if x.Data[0] == 1 {
				t.Error("Cast modified its input")
			}
		})
	}

	same, err := Cast(x, Float32)
	if err != nil {
		t.Fatalf("Cast failed: %v", err)
	}
	if same.Data[0] != x.Data[0] {
		t.Errorf("float32 cast changed value: %v", same.Data[0])
	}

	if _, err := Cast(x, DType("int8")); err == nil {
		t.Error("expected error for unsupported dtype")
	}
}
