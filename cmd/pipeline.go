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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/energymon/apis"
	"github.com/alwitt/energymon/broadcast"
	"github.com/alwitt/energymon/broker"
	"github.com/alwitt/energymon/cache"
	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/ingest"
	"github.com/alwitt/energymon/query"
	"github.com/alwitt/energymon/storage"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// DefineStore connect to the configured reading store
func DefineStore(
	ctxt context.Context, config common.StorageConfig, instance string,
) (storage.Store, error) {
	switch config.Driver {
	case "memory":
		return storage.NewMemoryStore(instance), nil
	case "postgres":
		store, err := storage.NewPostgresStore(ctxt, storage.PostgresParams{
			URL:      config.Postgres.URL,
			MaxConns: config.Postgres.MaxConns,
			Table:    config.Postgres.Table,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctxt); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver '%s'", config.Driver)
	}
}

// DefineLatestCache connect to the latest reading cache. Returns nil when disabled.
func DefineLatestCache(
	ctxt context.Context, config common.LatestCacheConfig,
) (cache.LatestReadingCache, error) {
	if !config.Enabled {
		return nil, nil
	}
	return cache.GetRedisCache(ctxt, cache.RedisParams{
		Addr: config.RedisAddr,
		DB:   config.RedisDB,
		Key:  config.Key,
		TTL:  time.Second * time.Duration(config.TTL),
	})
}

// DefineBrokerClient define the configured broker client
func DefineBrokerClient(config common.BrokerConfig) (broker.Client, error) {
	return broker.GetClient(config.Driver, broker.ConnectParams{
		ServerURI:      config.ServerURI,
		ClientID:       config.ClientID,
		QoS:            byte(config.QoS),
		Username:       config.Username,
		Password:       config.Password,
		ConnectTimeout: time.Second * time.Duration(config.ConnectTimeout),
	})
}

// RunPipelineServer run the ingestion pipeline and its API server until the runtime
// context ends
func RunPipelineServer(
	runTimeContext context.Context, config *common.SystemConfig, instance string,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "pipeline",
		"instance":  instance,
	}

	location, err := time.LoadLocation(config.Query.Timezone)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unknown timezone '%s'", config.Query.Timezone)
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Storage

	backend, err := DefineStore(localCtxt, config.Storage, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s reading store", config.Storage.Driver,
		)
		return err
	}
	if config.Storage.Driver == "memory" {
		log.WithFields(logTags).Warn("Using the in-memory reading store. Readings are lost on restart.")
	}
	store := storage.NewMonitoredStore(
		backend, time.Second*time.Duration(config.Storage.OperationTimeout), instance,
	)
	defer store.Close()
	if err := store.StartProbe(
		localCtxt, time.Second*time.Duration(config.Storage.HealthProbeInterval), &wg,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start store health probe")
		return err
	}

	latest, err := DefineLatestCache(localCtxt, config.Cache)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define latest reading cache")
		return err
	}
	if latest != nil {
		defer func() {
			if err := latest.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Latest reading cache close failed")
			}
		}()
	}

	// -------------------------------------------------------------------
	// Pipeline

	hub, err := broadcast.GetBroadcaster(config.Broadcast.SubscriberBuffer, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return err
	}

	querySvc, err := query.GetQueryService(
		store, latest, query.Params{MaxRangeHours: config.Query.MaxRangeHours, Location: location},
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define query service")
		return err
	}

	client, err := DefineBrokerClient(config.Broker)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker client")
		return err
	}

	ingestor, err := ingest.GetIngestor(
		localCtxt,
		client,
		store,
		hub,
		latest,
		ingest.Params{
			Topic:            config.Broker.Topic,
			ProcessingBuffer: config.Ingest.ProcessingBuffer,
			Reconnect: ingest.ReconnectParams{
				InitialInterval: time.Millisecond * time.Duration(config.Broker.Reconnect.InitialInterval),
				MaxInterval:     time.Second * time.Duration(config.Broker.Reconnect.MaxInterval),
				Multiplier:      config.Broker.Reconnect.Multiplier,
			},
		},
		instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define ingestor")
		return err
	}
	if err := ingestor.Start(&wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start ingestor")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpHandler, err := apis.GetAPIRestReadingsHandler(
		localCtxt,
		&config.API.HTTPSetting,
		apis.ReadingsParams{
			DefaultRangeHours: config.Query.DefaultRangeHours,
			BackfillSize:      config.Query.BackfillSize,
		},
		querySvc,
		hub,
		ingestor,
		store,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return err
	}
	router := apis.DefineRouter(
		httpHandler, config.API.Endpoints, config.API.Metrics, config.API.CORS,
	)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Let the pipeline drain before the store and cache close
	lclCancel()
	wg.Wait()

	return nil
}
