package blog

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// 1x1 transparent GIF, shown until the real image is lazy-loaded by the frontend
const lazyLoadPlaceholder = "data:image/gif;base64,R0lGODlhAQABAIAAAP///wAAACH5BAEAAAAALAAAAAABAAEAAAICRAEAOw=="

const lazySrcReplacement = ` src="` + lazyLoadPlaceholder + `" data-src="`

const youtubeEmbedSnippet = `<div class="video"><iframe width="560" height="315" title="YouTube embed" src="about:blank" data-src="https://www.youtube-nocookie.com/embed/%s?modestbranding=1&amp;hd=1&amp;rel=0&amp;theme=light" allowfullscreen></iframe></div>`

// content rewrites work per <img> tag, not on parsed HTML, so that
// malformed fragments in old posts keep rendering the same way
var (
	imgLazyLoadRegex      = regexp.MustCompile(`(?i)(<img.*?)(src=["|'])(.*?)(["|'].*?/?>)`)
	youtubeEmbedRegex     = regexp.MustCompile(`\[youtube:(.*?)\]`)
	imgTagRegex           = regexp.MustCompile(`(?i)<img[^>]+/?>`)
	imgSrcAttrRegex       = regexp.MustCompile(`(?i)\ssrc=["']([^"']*)["']`)
	dataFilenameAttrRegex = regexp.MustCompile(`(?i)\s*data-filename=["']([^"']*)["']`)
	base64SrcRegex        = regexp.MustCompile(`(?i)data:[^/]+/([a-z]+);base64,(.+)`)
)

var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".png":  true,
	".webp": true,
}

// RenderContent prepares a post body for display: every img src gets swapped
// for a placeholder with the real URL in data-src, and [youtube:ID] markers
// expand to embeddable iframes
func RenderContent(content string) string {
	if content == "" {
		return content
	}

	result := imgLazyLoadRegex.ReplaceAllStringFunc(content, func(tag string) string {
		m := imgLazyLoadRegex.FindStringSubmatch(tag)
		if m[3] == lazyLoadPlaceholder {
			// already rewritten, do not wrap the placeholder again
			return tag
		}
		return m[1] + lazySrcReplacement + m[3] + m[4]
	})

	result = youtubeEmbedRegex.ReplaceAllStringFunc(result, func(marker string) string {
		m := youtubeEmbedRegex.FindStringSubmatch(marker)
		return fmt.Sprintf(youtubeEmbedSnippet, m[1])
	})

	return result
}

type saveFileFunc func(ctx context.Context, data []byte, fileName, suffix string) (string, error)

// externalizeImages moves base64-embedded images out of the post body into the
// file store and points their src attributes at the stored files. Runs on save,
// not on render. Tags that are malformed, lack a data-filename attribute or
// carry a non-image extension are left untouched, a failed file store write
// aborts the whole rewrite.
func externalizeImages(ctx context.Context, content string, saveFile saveFileFunc) (string, int, error) {
	savedCount := 0
	var saveErr error

	result := imgTagRegex.ReplaceAllStringFunc(content, func(tag string) string {
		if saveErr != nil {
			return tag
		}

		srcMatch := imgSrcAttrRegex.FindStringSubmatch(tag)
		fileNameMatch := dataFilenameAttrRegex.FindStringSubmatch(tag)
		if srcMatch == nil || fileNameMatch == nil {
			return tag
		}

		fileName := fileNameMatch[1]
		if !allowedImageExtensions[strings.ToLower(filepath.Ext(fileName))] {
			return tag
		}

		base64Match := base64SrcRegex.FindStringSubmatch(srcMatch[1])
		if base64Match == nil {
			return tag
		}

		imageBytes, err := base64.StdEncoding.DecodeString(base64Match[2])
		if err != nil {
			log.Warnf("externalize images: undecodable payload in [%s]: %s", fileName, err)
			return tag
		}

		fileURL, err := saveFile(ctx, imageBytes, fileName, "")
		if err != nil {
			saveErr = err
			return tag
		}

		newTag := strings.Replace(tag, srcMatch[0], ` src="`+fileURL+`"`, 1)
		newTag = dataFilenameAttrRegex.ReplaceAllString(newTag, "")
		savedCount++
		return newTag
	})

	if saveErr != nil {
		return content, savedCount, fmt.Errorf("externalize images: %w", saveErr)
	}

	return result, savedCount, nil
}
