package lsp

import (
	"runtime"
	"testing"
)

func TestProtocolPositionBasic(t *testing.T) {
	text := "package main\n\nfunc main() {\n}\n"

	cases := []struct {
		line, col int
		want      Position
	}{
		{1, 1, Position{Line: 0, Character: 0}},
		{1, 9, Position{Line: 0, Character: 8}},
		{3, 6, Position{Line: 2, Character: 5}},
	}
	for _, tc := range cases {
		if got := ProtocolPosition(text, tc.line, tc.col); got != tc.want {
			t.Errorf("ProtocolPosition(%d, %d) = %+v, want %+v", tc.line, tc.col, got, tc.want)
		}
	}
}

func TestProtocolPositionUTF16(t *testing.T) {
	// The emoji occupies two UTF-16 code units; the protocol offset
	// after it must account for both.
	text := "x = \"\U0001F600\" + y"

	got := ProtocolPosition(text, 1, 8) // one-based column just past the emoji's closing quote
	if got.Character != 8 {
		t.Errorf("Character = %d, want 8 (surrogate pair counts as two units)", got.Character)
	}
}

func TestProtocolPositionClamps(t *testing.T) {
	text := "short\nlines"

	if got := ProtocolPosition(text, 99, 1); got.Line != 1 {
		t.Errorf("line clamp: got line %d, want 1", got.Line)
	}
	if got := ProtocolPosition(text, 1, 99); got.Character != 5 {
		t.Errorf("column clamp: got character %d, want 5", got.Character)
	}
	if got := ProtocolPosition(text, 0, 0); got != (Position{}) {
		t.Errorf("zero input: got %+v, want origin", got)
	}
}

func TestWordPrefix(t *testing.T) {
	cases := []struct {
		text      string
		line, col int
		want      string
	}{
		{"fmt.Prin", 1, 9, "Prin"},
		{"fmt.Prin", 1, 5, ""},
		{"  my_var2", 1, 10, "my_var2"},
		{"a + b", 1, 4, ""},
		{"héllo", 1, 6, "héllo"},
		{"x\ny.fie", 2, 6, "fie"},
		{"", 1, 1, ""},
	}
	for _, tc := range cases {
		if got := WordPrefix(tc.text, tc.line, tc.col); got != tc.want {
			t.Errorf("WordPrefix(%q, %d, %d) = %q, want %q", tc.text, tc.line, tc.col, got, tc.want)
		}
	}
}

func TestURIRoundTrip(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix paths")
	}

	path := "/home/user/my project/main.go"
	uri := FilePathToURI(path)
	if uri != "file:///home/user/my%20project/main.go" {
		t.Errorf("uri = %q", uri)
	}
	if back := URIToFilePath(uri); back != path {
		t.Errorf("round trip = %q, want %q", back, path)
	}
}
