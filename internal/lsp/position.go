package lsp

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf16"
)

// FilePathToURI converts an absolute file path to a file:// URI.
func FilePathToURI(path string) DocumentURI {
	path = filepath.ToSlash(path)
	if runtime.GOOS == "windows" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: "file", Path: path}
	return DocumentURI(u.String())
}

// URIToFilePath converts a file:// URI back to a file path.
func URIToFilePath(uri DocumentURI) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return strings.TrimPrefix(string(uri), "file://")
	}
	path := u.Path
	if runtime.GOOS == "windows" && strings.HasPrefix(path, "/") && len(path) > 2 && path[2] == ':' {
		path = path[1:]
	}
	return filepath.FromSlash(path)
}

// ProtocolPosition converts a one-based caller position to a zero-based
// protocol position. The character offset is measured in UTF-16 code
// units within the addressed line, which is what servers expect by
// default. Out-of-range positions clamp to the nearest valid offset.
func ProtocolPosition(text string, line, column int) Position {
	if line < 1 {
		line = 1
	}
	if column < 1 {
		column = 1
	}

	lines := strings.Split(text, "\n")
	li := line - 1
	if li >= len(lines) {
		li = len(lines) - 1
	}

	runes := []rune(lines[li])
	ri := column - 1
	if ri > len(runes) {
		ri = len(runes)
	}

	return Position{Line: li, Character: utf16Len(runes[:ri])}
}

// utf16Len returns the UTF-16 code unit count of the given runes.
func utf16Len(runes []rune) int {
	n := 0
	for _, r := range runes {
		n += len(utf16.Encode([]rune{r}))
	}
	return n
}

// WordPrefix extracts the identifier fragment immediately before the
// one-based caller position. It is the prefix handed to the ranker.
func WordPrefix(text string, line, column int) string {
	if line < 1 || column < 1 {
		return ""
	}

	lines := strings.Split(text, "\n")
	if line-1 >= len(lines) {
		return ""
	}

	runes := []rune(lines[line-1])
	end := column - 1
	if end > len(runes) {
		end = len(runes)
	}

	start := end
	for start > 0 && isWordRune(runes[start-1]) {
		start--
	}
	return string(runes[start:end])
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
