package siteid

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b []byte
		want int
	}{
		{[]byte{1, 2, 3}, []byte{1, 2, 3}, 0},
		{[]byte{1, 2, 3}, []byte{1, 2, 4}, -1},
		{[]byte{1, 2, 4}, []byte{1, 2, 3}, 1},
		{[]byte{1, 2}, []byte{1, 2, 0}, -1}, // shorter loses even with matching prefix
		{[]byte{1, 2, 0}, []byte{1, 2}, 1},
		{[]byte{}, []byte{0}, -1},
	}
	for _, c := range cases {
		got := Compare(c.a, c.b)
		if sign(got) != sign(c.want) {
			t.Errorf("Compare(%v, %v) = %d, want sign %d", c.a, c.b, got, c.want)
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
