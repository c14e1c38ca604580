package blog

import (
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultSlugMaxLength = 50

// characters stripped from slugs, they have a reserved meaning in URLs
const reservedSlugChars = "!#$&'()*,/:;=?@[]\"%.<>\\^_{}|~`+"

type Post struct {
	ID           string     `json:"id"`
	Slug         string     `json:"slug"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	Excerpt      string     `json:"excerpt"`
	IsPublished  bool       `json:"isPublished"`
	PubDate      time.Time  `json:"pubDate"`
	LastModified time.Time  `json:"lastModified"`
	Categories   []string   `json:"categories"`
	Tags         []string   `json:"tags"`
	Comments     []*Comment `json:"comments"`
}

// NewPostID returns a timestamp-derived post identity token.
// Tokens created later always compare greater, which keeps ids unique
// for any realistic posting frequency.
func NewPostID() string {
	return strconv.FormatInt(time.Now().UTC().UnixNano(), 10)
}

// IsVisible - published and not future-dated, as seen at the given moment
func (p *Post) IsVisible(now time.Time) bool {
	return p.IsPublished && !p.PubDate.After(now)
}

// AreCommentsOpen - the comment window spans commentsCloseAfterDays from the
// publication date, boundary inclusive
func (p *Post) AreCommentsOpen(commentsCloseAfterDays int, now time.Time) bool {
	return !p.PubDate.AddDate(0, 0, commentsCloseAfterDays).Before(now)
}

func (p *Post) Link() string {
	return "/blog/" + p.Slug + "/"
}

func (p *Post) EncodedLink() string {
	return "/blog/" + url.PathEscape(p.Slug) + "/"
}

// HasCategory matches case-insensitively against the stored category list
func (p *Post) HasCategory(category string) bool {
	for _, c := range p.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (p *Post) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, callers can mutate it freely without
// touching the cached original
func (p *Post) Clone() *Post {
	clone := *p
	clone.Categories = append([]string(nil), p.Categories...)
	clone.Tags = append([]string(nil), p.Tags...)
	clone.Comments = make([]*Comment, 0, len(p.Comments))
	for _, c := range p.Comments {
		commentCopy := *c
		clone.Comments = append(clone.Comments, &commentCopy)
	}
	return &clone
}

// CreateSlug derives a URL-safe path segment from a post title
func CreateSlug(title string) string {
	return CreateSlugMaxLen(title, defaultSlugMaxLength)
}

func CreateSlugMaxLen(title string, maxLength int) string {
	slug := strings.ToLower(title)
	slug = strings.ReplaceAll(slug, " ", "-")
	slug = removeDiacritics(slug)
	slug = removeReservedChars(slug)

	if slugRunes := []rune(slug); len(slugRunes) > maxLength {
		slug = string(slugRunes[:maxLength])
	}

	return strings.ToLower(slug)
}

// removeDiacritics strips combining marks, e.g. "héllo" becomes "hello"
func removeDiacritics(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, text)
	if err != nil {
		return text
	}
	return result
}

func removeReservedChars(text string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(reservedSlugChars, r) {
			return -1
		}
		return r
	}, text)
}
