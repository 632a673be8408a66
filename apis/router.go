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

package apis

import (
	"net/http"

	"github.com/alwitt/energymon/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefineRouter build the API router, wrapped by the cross-origin policy when enabled
func DefineRouter(
	httpHandler APIRestReadingsHandler,
	endpoints common.APIEndpointConfig,
	metricsConfig common.MetricsConfig,
	corsConfig common.CORSConfig,
) http.Handler {
	router := mux.NewRouter()

	// Metrics are served outside the API path prefix
	if metricsConfig.Enabled {
		router.Handle(metricsConfig.Path, promhttp.Handler()).Methods(http.MethodGet)
	}

	mainRouter := RegisterPathPrefix(router, endpoints.PathPrefix, nil)
	v1Router := RegisterPathPrefix(mainRouter, "/v1", nil)

	// Readings
	readingsRouter := RegisterPathPrefix(v1Router, "/readings", MethodHandlers{
		"get": httpHandler.GetRangeHandler(),
	})
	_ = RegisterPathPrefix(readingsRouter, "/summary", MethodHandlers{
		"get": httpHandler.GetSummaryHandler(),
	})
	_ = RegisterPathPrefix(readingsRouter, "/latest", MethodHandlers{
		"get": httpHandler.GetLatestHandler(),
	})
	_ = RegisterPathPrefix(readingsRouter, "/live", MethodHandlers{
		"get": httpHandler.LiveStreamHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(v1Router, "/alive", MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(v1Router, "/ready", MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	if !corsConfig.Enabled {
		return router
	}
	// Preflight requests never match a route, so the policy wraps the whole router
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(corsConfig.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead, http.MethodOptions}),
		handlers.AllowedHeaders(corsConfig.AllowedHeaders),
		handlers.MaxAge(corsConfig.MaxAgeSec),
	}
	if httpHandler.requestIDHeader != "" {
		corsOptions = append(
			corsOptions, handlers.ExposedHeaders([]string{httpHandler.requestIDHeader}),
		)
	}
	return handlers.CORS(corsOptions...)(router)
}
