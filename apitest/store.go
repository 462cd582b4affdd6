package apitest

import (
	"fmt"
	"sync"
	"time"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	account struct {
		Subject  string
		Email    string
		Password string
	}

	blob struct {
		ContentType string
		Data        []byte
	}

	// memStore keeps every user's collection in memory. Bonsais and insights
	// are both listed newest first.
	memStore struct {
		mu       sync.RWMutex
		bonsais  map[string][]*core.Bonsai  // userID -> bonsais
		insights map[string][]*core.Insight // bonsaiID -> insights
		blobs    map[string]blob            // imageID -> content
	}
)

func newMemStore() *memStore {
	return &memStore{
		bonsais:  make(map[string][]*core.Bonsai),
		insights: make(map[string][]*core.Insight),
		blobs:    make(map[string]blob),
	}
}

func (s *memStore) list(userID string) []core.Bonsai {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.bonsais[userID]
	out := make([]core.Bonsai, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i].Clone())
	}
	return out
}

func (s *memStore) find(userID, id string) (*core.Bonsai, int) {
	for i, b := range s.bonsais[userID] {
		if b.ID == id {
			return b, i
		}
	}
	return nil, -1
}

func (s *memStore) get(userID, id string) (*core.Bonsai, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, _ := s.find(userID, id)
	if b == nil {
		return nil, fmt.Errorf("bonsai with id %s not found", id)
	}
	out := b.Clone()
	return &out, nil
}

func (s *memStore) create(userID string, in core.BonsaiInput) *core.Bonsai {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &core.Bonsai{
		ID:          ulid.Make().String(),
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		Images:      []core.Image{},
		CreatedAt:   time.Now().UTC(),
	}
	s.bonsais[userID] = append(s.bonsais[userID], b)
	logrus.WithFields(logrus.Fields{"user_id": userID, "bonsai_id": b.ID}).Debug("Bonsai created")

	out := b.Clone()
	return &out
}

func (s *memStore) update(userID, id string, in core.BonsaiInput) (*core.Bonsai, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, _ := s.find(userID, id)
	if b == nil {
		return nil, fmt.Errorf("bonsai with id %s not found", id)
	}
	b.Title = in.Title
	b.Description = in.Description
	out := b.Clone()
	return &out, nil
}

func (s *memStore) delete(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, i := s.find(userID, id)
	if b == nil {
		return fmt.Errorf("bonsai with id %s not found", id)
	}
	for _, img := range b.Images {
		delete(s.blobs, img.ID)
	}
	delete(s.insights, id)

	list := s.bonsais[userID]
	s.bonsais[userID] = append(list[:i:i], list[i+1:]...)
	return nil
}

func (s *memStore) addImage(userID, bonsaiID, baseURL string, content blob) (*core.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, _ := s.find(userID, bonsaiID)
	if b == nil {
		return nil, fmt.Errorf("bonsai with id %s not found", bonsaiID)
	}
	id := ulid.Make().String()
	img := core.Image{
		ID:        id,
		BonsaiID:  bonsaiID,
		URL:       baseURL + "/files/" + id,
		CreatedAt: time.Now().UTC(),
	}
	b.Images = append(b.Images, img)
	s.blobs[id] = content
	return &img, nil
}

func (s *memStore) deleteImage(userID, bonsaiID, imageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, _ := s.find(userID, bonsaiID)
	if b == nil {
		return fmt.Errorf("bonsai with id %s not found", bonsaiID)
	}
	for i, img := range b.Images {
		if img.ID == imageID {
			b.Images = append(b.Images[:i:i], b.Images[i+1:]...)
			delete(s.blobs, imageID)
			return nil
		}
	}
	return fmt.Errorf("image with id %s not found", imageID)
}

func (s *memStore) blob(imageID string) (blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[imageID]
	return b, ok
}

func (s *memStore) listInsights(userID, bonsaiID string) ([]core.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if b, _ := s.find(userID, bonsaiID); b == nil {
		return nil, fmt.Errorf("bonsai with id %s not found", bonsaiID)
	}
	out := make([]core.Insight, 0, len(s.insights[bonsaiID]))
	for _, in := range s.insights[bonsaiID] {
		out = append(out, *in)
	}
	return out, nil
}

func (s *memStore) createInsight(userID, bonsaiID, question string) (*core.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, _ := s.find(userID, bonsaiID); b == nil {
		return nil, fmt.Errorf("bonsai with id %s not found", bonsaiID)
	}
	in := &core.Insight{
		ID:           ulid.Make().String(),
		BonsaiID:     bonsaiID,
		UserQuestion: question,
		CreatedAt:    time.Now().UTC(),
	}
	s.insights[bonsaiID] = append([]*core.Insight{in}, s.insights[bonsaiID]...)
	out := *in
	return &out, nil
}

// answer fills every pending insight and returns how many were answered.
func (s *memStore) answer(generate func(question string) string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, list := range s.insights {
		for _, in := range list {
			if in.Pending() {
				in.AIResponse = generate(in.UserQuestion)
				n++
			}
		}
	}
	return n
}

func (s *memStore) deleteInsight(userID, bonsaiID, insightID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, _ := s.find(userID, bonsaiID); b == nil {
		return fmt.Errorf("bonsai with id %s not found", bonsaiID)
	}
	list := s.insights[bonsaiID]
	for i, in := range list {
		if in.ID == insightID {
			s.insights[bonsaiID] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("insight with id %s not found", insightID)
}
