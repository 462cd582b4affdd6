package filesystem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/StatsLateral/bonsaiway/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

type fsStore struct {
	basePath string
}

// NewStore creates a credential store keeping one JSON file per key under
// basePath.
func NewStore(basePath string) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &fsStore{basePath: basePath}, nil
}

func (s *fsStore) tokenPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid token key %q", key)
	}
	return filepath.Join(s.basePath, key+".json"), nil
}

func (s *fsStore) Get(ctx context.Context, key string) (*oauth2.Token, error) {
	filePath, err := s.tokenPath(key)
	if err != nil {
		return nil, err
	}
	log := logrus.WithField("file_path", filePath)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debug("No token stored")
			return nil, core.ErrNoCredential
		}
		log.WithError(err).Error("Failed to read token")
		return nil, err
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		log.WithError(err).Error("Failed to decode token")
		return nil, fmt.Errorf("decode token %s: %w", key, err)
	}
	return &tok, nil
}

func (s *fsStore) Put(ctx context.Context, key string, token *oauth2.Token) error {
	filePath, err := s.tokenPath(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	// atomic replace
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		logrus.WithField("file_path", tmp).WithError(err).Error("Failed to write token")
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return err
	}
	logrus.WithField("file_path", filePath).Debug("Token stored")
	return nil
}

func (s *fsStore) Delete(ctx context.Context, key string) error {
	filePath, err := s.tokenPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
