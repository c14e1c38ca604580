package blog

import (
	"context"
	"errors"
	"fmt"

	"github.com/2beens/miniblog/internal/telemetry/tracing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

var _ Store = (*PsqlStore)(nil)

// PsqlStore persists posts relationally: one row per post, child tables for
// categories, tags and comments. Child rows keep an explicit position so the
// stored sequences round-trip in order.
type PsqlStore struct {
	db *pgxpool.Pool
}

func NewPsqlStore(db *pgxpool.Pool) *PsqlStore {
	return &PsqlStore{
		db: db,
	}
}

func (s *PsqlStore) LoadPosts(ctx context.Context) (_ []*Post, err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "psqlStore.loadPosts")
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	rows, err := s.db.Query(
		ctx,
		`SELECT id, slug, title, content, excerpt, is_published, pub_date, last_modified
			FROM post
			ORDER BY pub_date DESC;`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	postsById := make(map[string]*Post)
	var posts []*Post
	for rows.Next() {
		var p Post
		if err := rows.Scan(
			&p.ID, &p.Slug, &p.Title, &p.Content, &p.Excerpt,
			&p.IsPublished, &p.PubDate, &p.LastModified,
		); err != nil {
			return nil, err
		}
		postsById[p.ID] = &p
		posts = append(posts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.loadLabels(ctx, postsById, "post_category", func(p *Post, name string) {
		p.Categories = append(p.Categories, name)
	}); err != nil {
		return nil, fmt.Errorf("load categories: %w", err)
	}
	if err := s.loadLabels(ctx, postsById, "post_tag", func(p *Post, name string) {
		p.Tags = append(p.Tags, name)
	}); err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	if err := s.loadComments(ctx, postsById); err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}

	log.Debugf("psql store: %d posts loaded", len(posts))

	return posts, nil
}

func (s *PsqlStore) loadLabels(
	ctx context.Context,
	postsById map[string]*Post,
	table string,
	add func(p *Post, name string),
) error {
	rows, err := s.db.Query(
		ctx,
		fmt.Sprintf(`SELECT post_id, name FROM %s ORDER BY post_id, position;`, table),
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var postId, name string
		if err := rows.Scan(&postId, &name); err != nil {
			return err
		}
		if p, ok := postsById[postId]; ok {
			add(p, name)
		}
	}
	return rows.Err()
}

func (s *PsqlStore) loadComments(ctx context.Context, postsById map[string]*Post) error {
	rows, err := s.db.Query(
		ctx,
		`SELECT id, post_id, author, email, content, is_admin, pub_date
			FROM post_comment
			ORDER BY post_id, position;`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var c Comment
		var postId string
		if err := rows.Scan(&c.ID, &postId, &c.Author, &c.Email, &c.Content, &c.IsAdmin, &c.PubDate); err != nil {
			return err
		}
		if p, ok := postsById[postId]; ok {
			p.Comments = append(p.Comments, &c)
		}
	}
	return rows.Err()
}

// SavePost upserts the post row and rewrites all child rows in one transaction
func (s *PsqlStore) SavePost(ctx context.Context, post *Post) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "psqlStore.savePost")
	span.SetAttributes(attribute.String("id", post.ID))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				log.Errorf("psql store: save post %s, rollback: %s", post.ID, rollbackErr)
			}
		}
	}()

	if _, err = tx.Exec(
		ctx,
		`INSERT INTO post (id, slug, title, content, excerpt, is_published, pub_date, last_modified)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				slug = EXCLUDED.slug,
				title = EXCLUDED.title,
				content = EXCLUDED.content,
				excerpt = EXCLUDED.excerpt,
				is_published = EXCLUDED.is_published,
				pub_date = EXCLUDED.pub_date,
				last_modified = EXCLUDED.last_modified;`,
		post.ID, post.Slug, post.Title, post.Content, post.Excerpt,
		post.IsPublished, post.PubDate, post.LastModified,
	); err != nil {
		return fmt.Errorf("upsert post: %w", err)
	}

	if err = s.saveLabels(ctx, tx, "post_category", post.ID, post.Categories); err != nil {
		return fmt.Errorf("save categories: %w", err)
	}
	if err = s.saveLabels(ctx, tx, "post_tag", post.ID, post.Tags); err != nil {
		return fmt.Errorf("save tags: %w", err)
	}

	if _, err = tx.Exec(ctx, `DELETE FROM post_comment WHERE post_id = $1;`, post.ID); err != nil {
		return fmt.Errorf("clear comments: %w", err)
	}
	for i, c := range post.Comments {
		if _, err = tx.Exec(
			ctx,
			`INSERT INTO post_comment (id, post_id, author, email, content, is_admin, pub_date, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`,
			c.ID, post.ID, c.Author, c.Email, c.Content, c.IsAdmin, c.PubDate, i,
		); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PsqlStore) saveLabels(ctx context.Context, tx pgx.Tx, table, postId string, labels []string) error {
	if _, err := tx.Exec(
		ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE post_id = $1;`, table),
		postId,
	); err != nil {
		return err
	}
	for i, label := range labels {
		if _, err := tx.Exec(
			ctx,
			fmt.Sprintf(`INSERT INTO %s (post_id, name, position) VALUES ($1, $2, $3);`, table),
			postId, label, i,
		); err != nil {
			return err
		}
	}
	return nil
}

// DeletePost cascades to categories, tags and comments
func (s *PsqlStore) DeletePost(ctx context.Context, id string) (err error) {
	ctx, span := tracing.GlobalTracer.Start(ctx, "psqlStore.deletePost")
	span.SetAttributes(attribute.String("id", id))
	defer func() {
		tracing.EndSpanWithErrCheck(span, err)
	}()

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
				log.Errorf("psql store: delete post %s, rollback: %s", id, rollbackErr)
			}
		}
	}()

	for _, table := range []string{"post_comment", "post_category", "post_tag"} {
		if _, err = tx.Exec(
			ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE post_id = $1;`, table),
			id,
		); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM post WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err = ErrPostNotFound
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
