package analytics

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type TrackerFactory func(log.Logger, ...analytics.Properties) analytics.Tracker

const (
	ClientIDEnvKey = "ROOMUPLOAD_CLIENT_ID"
	ClientID       = "client_id"
	BackendEnvKey  = "ROOMUPLOAD_BACKEND"
	Backend        = "backend"
)

func NewUploadTracker(repository env.Repository, logger log.Logger, trackerFactory TrackerFactory) (analytics.Tracker, error) {
	clientID := repository.Get(ClientIDEnvKey)
	if clientID == "" {
		return nil, fmt.Errorf("no client ID found")
	}

	backend := repository.Get(BackendEnvKey)
	if backend == "" {
		backend = "http"
	}
	return trackerFactory(logger, analytics.Properties{ClientID: clientID, Backend: backend}), nil
}

func NewDefaultUploadTracker(repository env.Repository, logger log.Logger) (analytics.Tracker, error) {
	return NewUploadTracker(repository, logger, analytics.NewDefaultTracker)
}
