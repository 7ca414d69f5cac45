package refs

import "testing"

func TestValid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		ok   bool
	}{
		{"refs/heads/main", true},
		{"HEAD", true},
		{"refs/heads/feature/x", true},
		{"", false},
		{"refs/heads/main.lock", false},
		{"refs/heads/", false},
		{"refs//heads", false},
		{"refs/heads/..", false},
		{"refs/heads/.", false},
		{"refs/heads/\x01bad", false},
	}
	for _, c := range cases {
		if got := Valid(c.name); got != c.ok {
			t.Errorf("Valid(%q) = %v, want %v", c.name, got, c.ok)
		}
	}
}
