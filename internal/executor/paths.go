package executor

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxSlugLen = 48

// Slugify reduces a prompt to a short ASCII path segment.
func Slugify(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}

// UnitPaths holds the storage locations of one image variation.
type UnitPaths struct {
	Original  string
	Thumbnail string
	Preview   string
}

// ImagePaths derives deterministic locations for a variation; renditions sit
// next to the original.
func ImagePaths(productID, jobID string, variation int, prompt, ext string) UnitPaths {
	base := fmt.Sprintf("products/%s/jobs/%s/v%03d-%s", productID, jobID, variation, Slugify(prompt))
	return UnitPaths{
		Original:  base + "." + ext,
		Thumbnail: base + "_thumb.jpg",
		Preview:   base + "_preview.jpg",
	}
}

// VideoPath derives the location of a scene clip.
func VideoPath(productID, sceneID, jobID, prompt, ext string) string {
	return fmt.Sprintf("products/%s/scenes/%s/videos/%s-%s.%s", productID, sceneID, jobID, Slugify(prompt), ext)
}

// ExtensionForMIME maps a media type onto a file extension.
func ExtensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "video/webm":
		return "webm"
	case "video/quicktime":
		return "mov"
	case "image/png":
		return "png"
	}
	if strings.HasPrefix(mime, "video/") {
		return "mp4"
	}
	return "png"
}
