// Copyright 2022 The energymon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/storage"
	"github.com/apex/log"
	"gopkg.in/yaml.v3"
)

// RunMigration create the postgres readings schema
func RunMigration(ctxt context.Context, config common.StorageConfig, instance string) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "migrate",
		"instance":  instance,
	}
	if config.Driver != "postgres" {
		err := fmt.Errorf("storage driver '%s' has no schema to migrate", config.Driver)
		log.WithError(err).WithFields(logTags).Error("Nothing to migrate")
		return err
	}
	store, err := storage.NewPostgresStore(ctxt, storage.PostgresParams{
		URL:      config.Postgres.URL,
		MaxConns: config.Postgres.MaxConns,
		Table:    config.Postgres.Table,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect to postgres")
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctxt); err != nil {
		return err
	}
	log.WithFields(logTags).Infof("Schema for '%s' is up to date", config.Postgres.Table)
	return nil
}

// RenderConfig the effective config as YAML. Secrets are omitted.
func RenderConfig(config *common.SystemConfig) ([]byte, error) {
	return yaml.Marshal(config)
}
