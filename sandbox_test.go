package csap

import "testing"

func TestResolveWithinRoot(t *testing.T) {
	cases := []struct {
		root, base, input, want string
	}{
		{"/", "/", "/a/./b/../c", "/a/c"},
		{"/srv/root", "/srv/root", "foo", "/srv/root/foo"},
		{"/srv/root", "/srv/root/alice", "../bob/file.txt", "/srv/root/bob/file.txt"},
		{"/srv/root", "/srv/root/alice", "/alice/notes.txt", "/srv/root/alice/notes.txt"},
		{"/srv/root", "/srv/root/alice/work", "..", "/srv/root/alice"},
	}
	for _, c := range cases {
		got, err := Resolve(c.root, c.base, c.input)
		if err != nil {
			t.Fatalf("Resolve(%q,%q,%q): unexpected error: %v", c.root, c.base, c.input, err)
		}
		if got != c.want {
			t.Fatalf("Resolve(%q,%q,%q) = %q, want %q", c.root, c.base, c.input, got, c.want)
		}
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	cases := []struct {
		root, base, input string
	}{
		{"/srv/root", "/srv/root", "../../etc/passwd"},
		{"/srv/root", "/srv/root/alice", "../../bob"},
		{"/srv/root", "/srv/root", "/../outside"},
	}
	for _, c := range cases {
		if _, err := Resolve(c.root, c.base, c.input); err == nil {
			t.Fatalf("Resolve(%q,%q,%q): expected error, got none", c.root, c.base, c.input)
		}
	}
}

func TestResolveRejectsEmpty(t *testing.T) {
	if _, err := Resolve("/srv/root", "/srv/root", ""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestIsWithin(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"/srv/root", "/srv/root", true},
		{"/srv/root", "/srv/root/alice", true},
		{"/srv/root", "/srv/rootother", false},
		{"/srv/root/alice", "/srv/root", false},
		{"/", "/anything", true},
	}
	for _, c := range cases {
		if got := IsWithin(c.parent, c.child); got != c.want {
			t.Fatalf("IsWithin(%q,%q) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}
