package validation

import (
	"context"
	"testing"
)

func TestSignatureProberRecognizesFormats(t *testing.T) {
	cases := []struct {
		name   string
		data   []byte
		format string
	}{
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, "png"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, "jpeg"},
		{"gif", []byte("GIF89a......"), "gif"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBPVP8 ")...), "webp"},
		{"mkv", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01, 0x02}, "mkv"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SignatureProber{}.Validate(context.Background(), tc.data)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !res.Valid {
				t.Fatalf("expected valid, got %+v", res)
			}
			if res.Format != tc.format {
				t.Fatalf("format = %q, want %q", res.Format, tc.format)
			}
		})
	}
}

func TestSignatureProberRejectsUnknown(t *testing.T) {
	res, err := SignatureProber{}.Validate(context.Background(), []byte("not a media file"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatalf("unknown bytes should be invalid, got %+v", res)
	}
	if len(res.Errors) == 0 {
		t.Fatal("expected an error description")
	}
}

func TestSignatureProberRejectsEmpty(t *testing.T) {
	res, err := SignatureProber{}.Validate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatal("empty input should be invalid")
	}
}
