package stores

import (
	"github.com/StatsLateral/bonsaiway/core"
	"github.com/StatsLateral/bonsaiway/stores/filesystem"
	"github.com/StatsLateral/bonsaiway/stores/memory"
	"github.com/StatsLateral/bonsaiway/stores/sqlite"
	"github.com/sirupsen/logrus"
)

// GetStore returns the credential store of storageType ("memory",
// "filesystem" or "sqlite") at path. Unknown types fall back to memory.
func GetStore(storageType, path string) (core.TokenStore, error) {
	var (
		store core.TokenStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": storageType,
	}

	switch storageType {
	case "filesystem":
		if path == "" {
			path = "./.bonsaiway" // Default path
		}
		storageField["basePath"] = path
		store, err = filesystem.NewStore(path)
	case "sqlite":
		if path == "" {
			path = "bonsaiway.db" // Default filename
		}
		storageField["dataSourceName"] = path
		store, err = sqlite.NewStore(path)
	default:
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	}
	if err != nil {
		logrus.WithFields(storageField).WithError(err).Error("Failed to open credential store")
		return nil, err
	}
	logrus.WithFields(storageField).Info("Use credential store")
	return store, nil
}
