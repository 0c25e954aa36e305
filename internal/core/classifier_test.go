package core

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())

	tests := []struct {
		name       string
		meta       FileMeta
		wantMode   ChannelMode
		wantReason string
	}{
		{
			name:       "small known file",
			meta:       FileMeta{SizeBytes: 2048, EstimatedRows: 20, ImportType: ImportProducts},
			wantMode:   ModeRequestResponse,
			wantReason: "small file",
		},
		{
			name:       "rows over threshold",
			meta:       FileMeta{SizeBytes: 2048, EstimatedRows: 5000, ImportType: ImportProducts},
			wantMode:   ModePush,
			wantReason: "row threshold",
		},
		{
			name:       "bytes over threshold",
			meta:       FileMeta{SizeBytes: 5 << 20, EstimatedRows: 10, ImportType: ImportSuppliers},
			wantMode:   ModePush,
			wantReason: "byte threshold",
		},
		{
			name:       "rows estimated from size",
			meta:       FileMeta{SizeBytes: 600_000, EstimatedRows: -1, ImportType: ImportProducts},
			wantMode:   ModePush,
			wantReason: "about 5000 rows",
		},
		{
			name:       "high latency type",
			meta:       FileMeta{SizeBytes: 100, EstimatedRows: 1, ImportType: ImportMovements},
			wantMode:   ModePush,
			wantReason: "recalculate stock",
		},
		{
			name:       "unknown size",
			meta:       FileMeta{SizeBytes: -1, EstimatedRows: 3, ImportType: ImportProducts},
			wantMode:   ModePush,
			wantReason: "size unknown",
		},
		{
			name:       "unknown type",
			meta:       FileMeta{SizeBytes: 100, EstimatedRows: 1, ImportType: "orders"},
			wantMode:   ModePush,
			wantReason: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.meta)
			if got.Mode != tt.wantMode {
				t.Errorf("Mode = %s, want %s", got.Mode, tt.wantMode)
			}
			if !strings.Contains(got.Reason, tt.wantReason) {
				t.Errorf("Reason = %q, want it to contain %q", got.Reason, tt.wantReason)
			}
			if got.EstimatedRows < 0 || got.EstimatedDurationMs < 0 {
				t.Errorf("negative estimate: %+v", got)
			}
		})
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())
	meta := FileMeta{SizeBytes: 4096, EstimatedRows: 40, ImportType: ImportProducts}

	first := c.Classify(meta)
	for i := 0; i < 10; i++ {
		if got := c.Classify(meta); got != first {
			t.Fatalf("call %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestClassify_DurationEstimate(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())

	got := c.Classify(FileMeta{SizeBytes: 1000, EstimatedRows: 500, ImportType: ImportProducts})
	if got.EstimatedDurationMs != 1000 {
		t.Errorf("EstimatedDurationMs = %d, want 1000 for 500 rows at 2ms", got.EstimatedDurationMs)
	}
}

func TestClassifyRaw(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())

	tests := []struct {
		name           string
		size, rows, it string
		want           ChannelMode
	}{
		{"parsed", "1024", "10", "Products", ModeRequestResponse},
		{"missing size", "", "10", "products", ModePush},
		{"garbage size", "lots", "10", "products", ModePush},
		{"missing rows estimated", "1024", "", "products", ModeRequestResponse},
		{"blank rows estimated", "1024", "  ", "products", ModeRequestResponse},
		{"negative rows", "1024", "-4", "products", ModePush},
		{"garbage rows", "1024", "lots", "products", ModePush},
		{"exponent rows", "1024", "1e9", "products", ModePush},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ClassifyRaw(tt.size, tt.rows, tt.it); got.Mode != tt.want {
				t.Errorf("ClassifyRaw() mode = %s (%s), want %s", got.Mode, got.Reason, tt.want)
			}
		})
	}
}

func TestClassify_UnparseableRowsIsPush(t *testing.T) {
	c := NewClassifier(DefaultClassifierConfig())

	got := c.Classify(FileMeta{SizeBytes: 10, EstimatedRows: -1, RowsUnparseable: true, ImportType: ImportProducts})
	if got.Mode != ModePush || got.Reason != "row count unparseable" {
		t.Errorf("Classify() = %+v, want push with reason %q", got, "row count unparseable")
	}
}

func TestParseRowCount(t *testing.T) {
	tests := []struct {
		input           string
		want            int
		wantUnparseable bool
	}{
		{"", -1, false},
		{" 42 ", 42, false},
		{"0", 0, false},
		{"-4", -1, true},
		{"lots", -1, true},
		{"1e9", -1, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, bad := ParseRowCount(tt.input)
			if got != tt.want || bad != tt.wantUnparseable {
				t.Errorf("ParseRowCount(%q) = %d, %v; want %d, %v", tt.input, got, bad, tt.want, tt.wantUnparseable)
			}
		})
	}
}
