package keypool

import "testing"

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{200, KindNone},
		{204, KindNone},
		{401, KindKey},
		{403, KindKey},
		{429, KindKey},
		{400, KindClient},
		{404, KindClient},
		{500, KindProvider},
		{502, KindProvider},
		{503, KindProvider},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
