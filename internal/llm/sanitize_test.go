package llm

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "## Key Metrics\n- Defect probability: 0.022", "## Key Metrics\n- Defect probability: 0.022"},
		{"status emoji labeled", "✅ Within limits", "[OK] Within limits"},
		{"warning with variation selector", "⚠️ Review needed", "[WARNING] Review needed"},
		{"decorative emoji dropped", "\U0001F3ED Factory \U0001F4CA overview", "Factory overview"},
		{"bullets normalized", "• item one\n• item two", "- item one\n- item two"},
		{"blank lines collapsed", "a\n\n\n\nb", "a\n\nb"},
		{"indentation kept", "- top\n  - nested", "- top\n  - nested"},
		{"trailing spaces trimmed", "line   \nnext", "line\nnext"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
