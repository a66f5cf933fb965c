package textnorm

import "testing"

func TestLabels(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"single newline", "Revenue\n: $10B", "Revenue: $10B"},
		{"double newline", "Revenue\n\n: $10B", "Revenue: $10B"},
		{"already correct", "Revenue: $10B", "Revenue: $10B"},
		{"crlf", "Revenue\r\n: $10B", "Revenue: $10B"},
		{"multiple labels", "Revenue\n: $10B\nMargin\n: 42%", "Revenue: $10B\nMargin: 42%"},
		{"colon without space untouched", "Ratio\n:1", "Ratio\n:1"},
		{"ordinary paragraphs untouched", "Line one.\n\nLine two.", "Line one.\n\nLine two."},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Labels(tt.in); got != tt.want {
				t.Errorf("Labels(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
