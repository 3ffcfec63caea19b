package executor

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Red sneaker on a white table": "red-sneaker-on-a-white-table",
		"  Crème brûlée, café!  ":      "creme-brulee-cafe",
		"":                             "untitled",
		"日本語":                          "untitled",
		"A -- B":                       "a-b",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Fatalf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}

	long := Slugify(strings.Repeat("lorem ipsum ", 20))
	if len(long) > maxSlugLen || strings.HasSuffix(long, "-") {
		t.Fatalf("slug not trimmed: %q", long)
	}
}

func TestImagePaths(t *testing.T) {
	p := ImagePaths("prod", "job", 7, "Blue Mug", "png")
	if p.Original != "products/prod/jobs/job/v007-blue-mug.png" {
		t.Fatalf("unexpected original: %s", p.Original)
	}
	if p.Thumbnail != "products/prod/jobs/job/v007-blue-mug_thumb.jpg" {
		t.Fatalf("unexpected thumbnail: %s", p.Thumbnail)
	}
	if p.Preview != "products/prod/jobs/job/v007-blue-mug_preview.jpg" {
		t.Fatalf("unexpected preview: %s", p.Preview)
	}
}

func TestExtensionForMIME(t *testing.T) {
	cases := map[string]string{
		"image/png":                "png",
		"image/jpeg":               "jpg",
		"image/webp; charset=x":    "webp",
		"video/mp4":                "mp4",
		"video/x-matroska":         "mp4",
		"application/octet-stream": "png",
	}
	for in, want := range cases {
		if got := ExtensionForMIME(in); got != want {
			t.Fatalf("ExtensionForMIME(%q) = %q, want %q", in, got, want)
		}
	}
}
