package models

import (
	"strings"
	"testing"
)

func TestNormalizeMIME(t *testing.T) {
	cases := []struct {
		name, mime, want string
	}{
		{"photo.JPG", "", "image/jpeg"},
		{"x", "image/jpg", "image/jpeg"},
		{"notes.md", "", "text/markdown"},
		{"data.json", "application/json; charset=utf-8", "application/json"},
		{"pic.png", "image/", "image/png"},
		{"noext", "", ""},
	}
	for _, tc := range cases {
		if got := normalizeMIME(tc.name, tc.mime); got != tc.want {
			t.Errorf("normalizeMIME(%q, %q) = %q, want %q", tc.name, tc.mime, got, tc.want)
		}
	}
}

func TestCombinePromptWithFiles(t *testing.T) {
	out := combinePromptWithFiles("base", []File{
		{Name: "a.txt", Data: []byte("alpha")},
		{Name: "b.pdf", MIME: "application/pdf", Data: []byte("%PDF")},
	})
	if !strings.HasPrefix(out, "base") {
		t.Fatalf("prompt should start with base text: %q", out)
	}
	if !strings.Contains(out, "<<<FILE a.txt [text/plain]>>>:\nalpha") {
		t.Fatalf("text attachment not inlined: %q", out)
	}
	if strings.Contains(out, "%PDF") {
		t.Fatalf("binary attachment should only be referenced: %q", out)
	}
	if !strings.Contains(out, "[Attachment] b.pdf (application/pdf)") {
		t.Fatalf("binary attachment not referenced: %q", out)
	}
}

func TestCombinePromptWithoutFiles(t *testing.T) {
	if got := combinePromptWithFiles("base", nil); got != "base" {
		t.Fatalf("got %q", got)
	}
}

func TestSplitFiles(t *testing.T) {
	text, images := splitFiles([]File{
		{Name: "a.png"},
		{Name: "b.txt"},
		{Name: "c", MIME: "image/webp"},
	})
	if len(images) != 2 || len(text) != 1 {
		t.Fatalf("unexpected split: text=%d images=%d", len(text), len(images))
	}
	if images[0].MIME != "image/png" {
		t.Fatalf("mime not normalized: %q", images[0].MIME)
	}
}
