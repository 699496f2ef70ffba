package obfuscation

import (
	"testing"

	"pgregory.net/rapid"
)

func TestCodecRoundTripPrintableASCII(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		key := rapid.StringMatching(`[ -~]{0,16}`).Draw(rt, "key")
		plaintext := rapid.StringMatching(`[ -~]{0,64}`).Draw(rt, "plaintext")
		codec := NewCodec(key)

		decoded, ok := codec.Decode(codec.Encode(plaintext))
		if !ok {
			rt.Fatalf("decode failed for %q", plaintext)
		}
		if decoded != plaintext {
			rt.Fatalf("round trip mismatch: want %q got %q", plaintext, decoded)
		}
	})
}

func TestCodecRoundTripEmptyString(t *testing.T) {
	codec := NewCodec("k3y")
	decoded, ok := codec.Decode(codec.Encode(""))
	if !ok || decoded != "" {
		t.Fatalf("expected empty round trip, got %q ok=%v", decoded, ok)
	}
}

func TestCodecEncodeIsNotPlaintext(t *testing.T) {
	codec := NewCodec("")
	if codec.Encode("refresh-token") == "refresh-token" {
		t.Fatalf("expected encoded value to differ from plaintext")
	}
}

func TestCodecDecodeRejectsMalformedInput(t *testing.T) {
	codec := NewCodec("suffix")
	testCases := []struct {
		name  string
		input string
	}{
		{name: "not-base64", input: "%%%not-base64%%%"},
		{name: "missing-key", input: NewCodec("other").Encode("token")},
		{name: "truncated", input: "dG9r"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			decoded, ok := codec.Decode(testCase.input)
			if ok {
				t.Fatalf("expected decode failure, got %q", decoded)
			}
			if decoded != "" {
				t.Fatalf("expected empty value on failure, got %q", decoded)
			}
		})
	}
}
