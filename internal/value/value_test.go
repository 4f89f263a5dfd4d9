package value

import "testing"

func TestFromDriverTextInterpretsBytesAsText(t *testing.T) {
	v, err := FromDriverText([]byte("hello"))
	if err != nil {
		t.Fatalf("FromDriverText: %v", err)
	}
	if v.Kind != KindText || v.Text != "hello" {
		t.Fatalf("expected KindText %q, got %+v", "hello", v)
	}
}

func TestFromDriverClassifiesBytesAsBlob(t *testing.T) {
	v, err := FromDriver([]byte{0xde, 0xad})
	if err != nil {
		t.Fatalf("FromDriver: %v", err)
	}
	if v.Kind != KindBlob {
		t.Fatalf("expected KindBlob, got %+v", v)
	}
}

func TestFromDriverTextFallsThroughNonBytes(t *testing.T) {
	v, err := FromDriverText(int64(7))
	if err != nil {
		t.Fatalf("FromDriverText: %v", err)
	}
	if v.Kind != KindInt || v.Int != 7 {
		t.Fatalf("expected KindInt 7, got %+v", v)
	}
}

func TestIsTextAffinity(t *testing.T) {
	cases := map[string]bool{
		"TEXT":      true,
		"VARCHAR":   true,
		"CHAR(10)":  true,
		"CLOB":      true,
		"":          true,
		"INTEGER":   false,
		"INT":       false,
		"BLOB":      false,
		"REAL":      false,
		"NUMERIC":   false,
		"text":      true,
	}
	for decl, want := range cases {
		if got := IsTextAffinity(decl); got != want {
			t.Errorf("IsTextAffinity(%q) = %v, want %v", decl, got, want)
		}
	}
}
