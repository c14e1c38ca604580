package blog

import (
	"context"
	"fmt"
	"sync"
)

var _ Store = (*storeMock)(nil)

type storeMock struct {
	Posts map[string]*Post
	mutex sync.Mutex

	LoadErr   error
	SaveErr   error
	DeleteErr error
	LoadCalls int
}

func newStoreMock() *storeMock {
	return &storeMock{
		Posts: make(map[string]*Post),
	}
}

func (s *storeMock) LoadPosts(_ context.Context) ([]*Post, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.LoadCalls++
	if s.LoadErr != nil {
		return nil, s.LoadErr
	}

	var posts []*Post
	for id := range s.Posts {
		posts = append(posts, s.Posts[id].Clone())
	}
	return posts, nil
}

func (s *storeMock) SavePost(_ context.Context, post *Post) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.SaveErr != nil {
		return s.SaveErr
	}

	s.Posts[post.ID] = post.Clone()
	return nil
}

func (s *storeMock) DeletePost(_ context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.DeleteErr != nil {
		return s.DeleteErr
	}

	if _, ok := s.Posts[id]; !ok {
		return ErrPostNotFound
	}
	delete(s.Posts, id)
	return nil
}

var _ FileSaver = (*fileSaverMock)(nil)

type fileSaverMock struct {
	Saved map[string][]byte
	mutex sync.Mutex

	SaveErr error
}

func newFileSaverMock() *fileSaverMock {
	return &fileSaverMock{
		Saved: make(map[string][]byte),
	}
}

func (f *fileSaverMock) Save(_ context.Context, data []byte, fileName, suffix string) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.SaveErr != nil {
		return "", f.SaveErr
	}

	if suffix == "" {
		suffix = fmt.Sprintf("%d", len(f.Saved))
	}
	savedName := fmt.Sprintf("%s_%s", fileName, suffix)
	f.Saved[savedName] = data
	return "/files/" + savedName, nil
}
