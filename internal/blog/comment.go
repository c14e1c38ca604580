package blog

import (
	"crypto/md5"
	"fmt"
	"strings"
	"time"

	"github.com/2beens/miniblog/pkg"
)

const commentIDLength = 32

type Comment struct {
	ID      string    `json:"id"`
	Author  string    `json:"author"`
	Content string    `json:"content"`
	Email   string    `json:"email"`
	IsAdmin bool      `json:"isAdmin"`
	PubDate time.Time `json:"pubDate"`
}

// NewComment trims the caller-supplied fields and stamps the comment
// with a fresh id and publication time
func NewComment(author, email, content string, isAdmin bool) (*Comment, error) {
	id, err := pkg.GenerateRandomString(commentIDLength)
	if err != nil {
		return nil, fmt.Errorf("generate comment id: %w", err)
	}
	return &Comment{
		ID:      id,
		Author:  strings.TrimSpace(author),
		Email:   strings.TrimSpace(email),
		Content: strings.TrimSpace(content),
		IsAdmin: isAdmin,
		PubDate: time.Now().UTC(),
	}, nil
}

// Gravatar returns the avatar URL for the comment author email
func (c *Comment) Gravatar() string {
	emailHash := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(c.Email))))
	return fmt.Sprintf("https://www.gravatar.com/avatar/%x?s=60&d=blank", emailHash)
}
