package chat

import (
	"container/list"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// imageRefPrefix makes message image references resolve relative to the
// conversation endpoint.
const imageRefPrefix = "images/"

// DefaultImageCapacity bounds how many selected images one session holds.
const DefaultImageCapacity = 16

// ImageStore holds images selected by the user while their messages are on screen.
// Once full, the oldest image is dropped first. References must be released
// once the message is gone.
type ImageStore struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	images   map[string]*list.Element
}

type storedImage struct {
	id  string
	img Image
}

func NewImageStore(capacity int) *ImageStore {
	if capacity <= 0 {
		capacity = DefaultImageCapacity
	}
	return &ImageStore{
		capacity: capacity,
		order:    list.New(),
		images:   map[string]*list.Element{},
	}
}

func (s *ImageStore) Put(img Image) string {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.order.Len() >= s.capacity {
		front := s.order.Front()
		delete(s.images, front.Value.(*storedImage).id)
		s.order.Remove(front)
	}
	s.images[id] = s.order.PushBack(&storedImage{id: id, img: img})
	return imageRefPrefix + id
}

func (s *ImageStore) Get(ref string) (Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.images[strings.TrimPrefix(ref, imageRefPrefix)]
	if !ok {
		return Image{}, false
	}
	return el.Value.(*storedImage).img, true
}

func (s *ImageStore) Release(ref string) {
	if ref == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimPrefix(ref, imageRefPrefix)
	if el, ok := s.images[id]; ok {
		s.order.Remove(el)
		delete(s.images, id)
	}
}

func (s *ImageStore) ReleaseAll() {
	s.mu.Lock()
	s.order.Init()
	s.images = map[string]*list.Element{}
	s.mu.Unlock()
}

func (s *ImageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
