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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/leapcast/leap-server/pkg/config"
)

const (
	// PodcastsKey is a hash of podcast id -> Podcast JSON
	PodcastsKey = "podcasts"
	// PodcastURLKey is a hash of urlName -> podcast id
	PodcastURLKey = "podcasts_by_url"
	// EpisodesPrefix keys a per-podcast hash of episode id -> Episode JSON
	EpisodesPrefix = "podcast_episodes:"
	// EpisodeURLPrefix keys a per-podcast hash of urlName -> episode id
	EpisodeURLPrefix = "podcast_episodes_by_url:"
)

// RedisStore implements ObjectStore on top of redis, for deployments where
// podcast records are shared with the surrounding web application.
type RedisStore struct {
	rc *redis.Client
}

func NewRedisClient(conf *config.RedisConfig) (*redis.Client, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     conf.Address,
		Username: conf.Username,
		Password: conf.Password,
		DB:       conf.DB,
	})
	if err := rc.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "could not connect to redis")
	}
	return rc, nil
}

func NewRedisStore(rc *redis.Client) *RedisStore {
	return &RedisStore{rc: rc}
}

func (s *RedisStore) StorePodcast(ctx context.Context, podcast *Podcast) error {
	if podcast.URLName == "" {
		podcast.URLName = SanitizeNameForURL(podcast.Name)
	}
	data, err := json.Marshal(podcast)
	if err != nil {
		return err
	}

	pp := s.rc.Pipeline()
	pp.HSet(ctx, PodcastsKey, podcastField(podcast.ID), data)
	pp.HSet(ctx, PodcastURLKey, podcast.URLName, podcastField(podcast.ID))
	_, err = pp.Exec(ctx)
	return err
}

func (s *RedisStore) LoadPodcast(ctx context.Context, id int64) (*Podcast, error) {
	data, err := s.rc.HGet(ctx, PodcastsKey, podcastField(id)).Result()
	if err == redis.Nil {
		return nil, ErrPodcastNotFound
	} else if err != nil {
		return nil, err
	}

	podcast := &Podcast{}
	if err = json.Unmarshal([]byte(data), podcast); err != nil {
		return nil, err
	}
	return podcast, nil
}

func (s *RedisStore) LoadPodcastByURLName(ctx context.Context, urlName string) (*Podcast, error) {
	field, err := s.rc.HGet(ctx, PodcastURLKey, urlName).Result()
	if err == redis.Nil {
		return nil, ErrPodcastNotFound
	} else if err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return nil, err
	}
	return s.LoadPodcast(ctx, id)
}

func (s *RedisStore) StoreEpisode(ctx context.Context, episode *Episode) error {
	if episode.URLName == "" {
		episode.URLName = SanitizeNameForURL(episode.Name)
	}
	data, err := json.Marshal(episode)
	if err != nil {
		return err
	}

	pp := s.rc.Pipeline()
	pp.HSet(ctx, EpisodesPrefix+podcastField(episode.PodcastID), podcastField(episode.ID), data)
	pp.HSet(ctx, EpisodeURLPrefix+podcastField(episode.PodcastID), episode.URLName, podcastField(episode.ID))
	_, err = pp.Exec(ctx)
	return err
}

func (s *RedisStore) LoadEpisode(ctx context.Context, podcastID, id int64) (*Episode, error) {
	data, err := s.rc.HGet(ctx, EpisodesPrefix+podcastField(podcastID), podcastField(id)).Result()
	if err == redis.Nil {
		return nil, ErrEpisodeNotFound
	} else if err != nil {
		return nil, err
	}

	episode := &Episode{}
	if err = json.Unmarshal([]byte(data), episode); err != nil {
		return nil, err
	}
	return episode, nil
}

func (s *RedisStore) LoadEpisodeByURLName(ctx context.Context, podcastID int64, urlName string) (*Episode, error) {
	field, err := s.rc.HGet(ctx, EpisodeURLPrefix+podcastField(podcastID), urlName).Result()
	if err == redis.Nil {
		return nil, ErrEpisodeNotFound
	} else if err != nil {
		return nil, err
	}

	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return nil, err
	}
	return s.LoadEpisode(ctx, podcastID, id)
}

func (s *RedisStore) SetEpisodeLive(ctx context.Context, podcastID, id int64, live bool) error {
	episode, err := s.LoadEpisode(ctx, podcastID, id)
	if err != nil {
		return err
	}
	episode.IsLive = live
	return s.StoreEpisode(ctx, episode)
}

func podcastField(id int64) string {
	return fmt.Sprintf("%d", id)
}
