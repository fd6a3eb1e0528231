package s3

import "testing"

func TestConfig_Validate(t *testing.T) {
	if err := (&Config{}).Validate(); err == nil {
		t.Fatal("expected error for missing bucket")
	}
	if err := (&Config{Bucket: "b"}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestStore_KeyPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   string
	}{
		{"", "artifacts/a.json", "artifacts/a.json"},
		{"kilnbox", "artifacts/a.json", "kilnbox/artifacts/a.json"},
		{"env/prod", "a", "env/prod/a"},
	}
	for _, tt := range tests {
		s := NewFromClient(nil, Config{Bucket: "b", Prefix: tt.prefix})
		if got := s.key(tt.key); got != tt.want {
			t.Errorf("prefix %q: key(%q) = %q, want %q", tt.prefix, tt.key, got, tt.want)
		}
	}
}
