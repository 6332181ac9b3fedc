package textscan_test

import (
	"testing"

	"github.com/temirov/toolstream/internal/textscan"
)

func TestIndexFold(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		needle   string
		from     int
		expected int
	}{
		{name: "case insensitive", text: "Hello <THINK>", needle: "<think>", from: 0, expected: 6},
		{name: "search starts at offset", text: "to=a to=b", needle: "to=", from: 1, expected: 5},
		{name: "missing", text: "plain prose", needle: "<tool_call>", from: 0, expected: -1},
		{name: "empty needle", text: "abc", needle: "", from: 2, expected: 2},
		{name: "negative start", text: "abc", needle: "a", from: -4, expected: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := textscan.IndexFold(testCase.text, testCase.needle, testCase.from); actual != testCase.expected {
				t.Fatalf("IndexFold(%q, %q, %d) = %d, want %d", testCase.text, testCase.needle, testCase.from, actual, testCase.expected)
			}
		})
	}
}

func TestPartialSuffix(t *testing.T) {
	testCases := []struct {
		name     string
		text     string
		marker   string
		expected int
	}{
		{name: "held prefix", text: "abc <thi", marker: "<think>", expected: 4},
		{name: "mixed case", text: "x <TOOL_", marker: "<tool_call>", expected: 6},
		{name: "no overlap", text: "hello", marker: "<think>", expected: 0},
		{name: "complete marker is not partial", text: "<think>", marker: "<think>", expected: 0},
		{name: "text shorter than marker", text: "<", marker: "<think>", expected: 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := textscan.PartialSuffix(testCase.text, testCase.marker); actual != testCase.expected {
				t.Fatalf("PartialSuffix(%q, %q) = %d, want %d", testCase.text, testCase.marker, actual, testCase.expected)
			}
		})
	}
}

func TestObjectEnd(t *testing.T) {
	testCases := []struct {
		name          string
		text          string
		start         int
		expectedEnd   int
		expectedFound bool
	}{
		{name: "flat object", text: `x{"a":1}y`, start: 1, expectedEnd: 8, expectedFound: true},
		{name: "brace inside string", text: `x{"a":"}"}y`, start: 1, expectedEnd: 10, expectedFound: true},
		{name: "escaped quote", text: `{"a":"\"}"}`, start: 0, expectedEnd: 11, expectedFound: true},
		{name: "nested", text: `{"a":{"b":{}}} tail`, start: 0, expectedEnd: 14, expectedFound: true},
		{name: "unterminated", text: `{"a":{`, start: 0, expectedEnd: 0, expectedFound: false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			end, found := textscan.ObjectEnd(testCase.text, testCase.start)
			if end != testCase.expectedEnd || found != testCase.expectedFound {
				t.Fatalf("ObjectEnd(%q, %d) = (%d, %t), want (%d, %t)", testCase.text, testCase.start, end, found, testCase.expectedEnd, testCase.expectedFound)
			}
		})
	}
}

func TestRuneBoundary(t *testing.T) {
	text := "héllo"
	testCases := []struct {
		name     string
		cut      int
		expected int
	}{
		{name: "inside multibyte rune", cut: 2, expected: 1},
		{name: "on rune start", cut: 3, expected: 3},
		{name: "past the end", cut: 40, expected: len(text)},
		{name: "negative", cut: -1, expected: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if actual := textscan.RuneBoundary(text, testCase.cut); actual != testCase.expected {
				t.Fatalf("RuneBoundary(%q, %d) = %d, want %d", text, testCase.cut, actual, testCase.expected)
			}
		})
	}
}

func TestByteClasses(t *testing.T) {
	if !textscan.IsNameByte('-') || !textscan.IsNameByte('.') || textscan.IsNameByte(' ') {
		t.Fatalf("unexpected name byte classification")
	}
	if textscan.IsWordByte('.') || !textscan.IsWordByte('_') {
		t.Fatalf("unexpected word byte classification")
	}
	if index := textscan.SkipSpace(" \t\nx", 0); index != 3 {
		t.Fatalf("SkipSpace returned %d", index)
	}
	if !textscan.HasPrefixFold("To=FS.read", 0, "to=") || textscan.HasPrefixFold("to", 0, "to=") {
		t.Fatalf("unexpected HasPrefixFold result")
	}
}
