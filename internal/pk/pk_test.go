package pk

import (
	"testing"

	"github.com/crsql-go/crsql/internal/value"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []value.Value{
		value.Int(4),
		value.Text("hello|'world'"),
		value.Null(),
		value.Blob([]byte{0xde, 0xad, 0xbe, 0xef}),
		value.Float(3.5),
	}
	blob := Encode(in)
	out, err := Decode(blob, len(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if !in[i].Equal(out[i]) {
			t.Fatalf("component %d: got %+v want %+v", i, out[i], in[i])
		}
	}
}

func TestDecodeCompositeFromScenarioS1(t *testing.T) {
	blob := Encode([]value.Value{value.Int(4), value.Int(5)})
	parts, err := Decode(blob, 2)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if parts[0].Int != 4 || parts[1].Int != 5 {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestDecodeWrongPartCount(t *testing.T) {
	blob := Encode([]value.Value{value.Int(1)})
	if _, err := Decode(blob, 2); err == nil {
		t.Fatal("expected error for part-count mismatch")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		[]byte("not-a-valid-token"),
		[]byte("'unterminated"),
		[]byte("X'zz'"), // invalid hex
		[]byte("1|"),
		[]byte("X'"), // unterminated blob literal, must error rather than panic
	}
	for _, c := range cases {
		if _, err := Decode(c, -1); err == nil {
			t.Fatalf("expected malformed error for %q", c)
		}
	}
}
