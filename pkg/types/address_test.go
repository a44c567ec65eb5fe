package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAddress_IsZero(t *testing.T) {
	var zero Address
	if !zero.IsZero() {
		t.Error("zero-value Address should be zero")
	}

	nonZero := Address{0x01}
	if nonZero.IsZero() {
		t.Error("non-zero Address should not be zero")
	}
}

func TestAddress_String(t *testing.T) {
	var a Address
	a[0] = 0xab
	a[31] = 0xcd
	s := a.String()
	if len(s) != 64 {
		t.Errorf("String() length = %d, want 64", len(s))
	}
	if !strings.HasPrefix(s, "ab") {
		t.Errorf("String() should start with 'ab', got %s", s[:2])
	}
	if !strings.HasSuffix(s, "cd") {
		t.Errorf("String() should end with 'cd', got %s", s[62:])
	}
}

func TestAddress_Bytes(t *testing.T) {
	a := Address{0x01, 0x02, 0x03}
	b := a.Bytes()

	if len(b) != AddressSize {
		t.Errorf("Bytes() length = %d, want %d", len(b), AddressSize)
	}
	if b[0] != 0x01 || b[1] != 0x02 || b[2] != 0x03 {
		t.Errorf("Bytes() content mismatch")
	}

	// Ensure it's a copy, not a reference
	b[0] = 0xFF
	if a[0] == 0xFF {
		t.Error("Bytes() should return a copy, not a reference")
	}
}

func TestParseAddress(t *testing.T) {
	raw := strings.Repeat("ab", AddressSize)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "raw hex",
			input: raw,
		},
		{
			name:  "0x-prefixed hex",
			input: "0x" + raw,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "wrong length",
			input:   "abcd",
			wantErr: true,
		},
		{
			name:    "invalid hex character",
			input:   strings.Repeat("g", AddressSize*2),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) should have returned error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q) unexpected error: %v", tt.input, err)
			}
			if a.String() != raw {
				t.Errorf("ParseAddress(%q) = %s, want %s", tt.input, a.String(), raw)
			}
		})
	}
}

func TestAddress_JSON_RoundTrip(t *testing.T) {
	var a Address
	a[0] = 0x01
	a[31] = 0xff

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got Address
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got != a {
		t.Errorf("round trip mismatch: got %s, want %s", got.String(), a.String())
	}
}

func TestAddress_JSON_UnmarshalEmpty(t *testing.T) {
	var got Address
	if err := json.Unmarshal([]byte(`""`), &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !got.IsZero() {
		t.Error("unmarshaling empty string should yield zero address")
	}
}
