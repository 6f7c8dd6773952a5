// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Podcast is the minimal podcast record the control plane needs: URL
// resolution for watch requests and the host list for authorization. Full
// relational storage lives outside this server.
type Podcast struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	URLName string   `json:"urlName"`
	Hosts   []string `json:"hosts"`
}

func (p *Podcast) IsHost(identity string) bool {
	return slices.Contains(p.Hosts, identity)
}

// Episode is one scheduled or live episode of a podcast.
type Episode struct {
	ID          int64  `json:"id"`
	PodcastID   int64  `json:"podcastId"`
	Name        string `json:"name"`
	URLName     string `json:"urlName"`
	Description string `json:"description,omitempty"`
	StartTime   int64  `json:"startTime"`
	IsLive      bool   `json:"isLive"`
}

// RoomID returns the room key for this episode's broadcast session.
func (e *Episode) RoomID() string {
	return fmt.Sprintf("episode/%s", e.URLName)
}

// ObjectStore is the read-mostly lookup surface for podcasts and episodes.
type ObjectStore interface {
	StorePodcast(ctx context.Context, podcast *Podcast) error
	LoadPodcast(ctx context.Context, id int64) (*Podcast, error)
	LoadPodcastByURLName(ctx context.Context, urlName string) (*Podcast, error)
	StoreEpisode(ctx context.Context, episode *Episode) error
	LoadEpisode(ctx context.Context, podcastID, id int64) (*Episode, error)
	LoadEpisodeByURLName(ctx context.Context, podcastID int64, urlName string) (*Episode, error)
	SetEpisodeLive(ctx context.Context, podcastID, id int64, live bool) error
}

// LocalStore keeps podcasts and episodes in memory. It is the development
// default; deployments configure redis instead.
type LocalStore struct {
	lock sync.RWMutex
	// podcast id -> podcast
	podcasts map[int64]*Podcast
	// podcast id -> episode id -> episode
	episodes map[int64]map[int64]*Episode
}

func NewLocalStore() *LocalStore {
	return &LocalStore{
		podcasts: make(map[int64]*Podcast),
		episodes: make(map[int64]map[int64]*Episode),
	}
}

func (s *LocalStore) StorePodcast(_ context.Context, podcast *Podcast) error {
	if podcast.URLName == "" {
		podcast.URLName = SanitizeNameForURL(podcast.Name)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.podcasts[podcast.ID] = podcast
	return nil
}

func (s *LocalStore) LoadPodcast(_ context.Context, id int64) (*Podcast, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	p := s.podcasts[id]
	if p == nil {
		return nil, ErrPodcastNotFound
	}
	return p, nil
}

func (s *LocalStore) LoadPodcastByURLName(_ context.Context, urlName string) (*Podcast, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, p := range s.podcasts {
		if p.URLName == urlName {
			return p, nil
		}
	}
	return nil, ErrPodcastNotFound
}

func (s *LocalStore) StoreEpisode(_ context.Context, episode *Episode) error {
	if episode.URLName == "" {
		episode.URLName = SanitizeNameForURL(episode.Name)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	byID := s.episodes[episode.PodcastID]
	if byID == nil {
		byID = make(map[int64]*Episode)
		s.episodes[episode.PodcastID] = byID
	}
	byID[episode.ID] = episode
	return nil
}

func (s *LocalStore) LoadEpisode(_ context.Context, podcastID, id int64) (*Episode, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e := s.episodes[podcastID][id]
	if e == nil {
		return nil, ErrEpisodeNotFound
	}
	return e, nil
}

func (s *LocalStore) LoadEpisodeByURLName(_ context.Context, podcastID int64, urlName string) (*Episode, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	for _, e := range s.episodes[podcastID] {
		if e.URLName == urlName {
			return e, nil
		}
	}
	return nil, ErrEpisodeNotFound
}

func (s *LocalStore) SetEpisodeLive(_ context.Context, podcastID, id int64, live bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	e := s.episodes[podcastID][id]
	if e == nil {
		return ErrEpisodeNotFound
	}
	e.IsLive = live
	return nil
}
