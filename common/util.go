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

package common

import (
	"context"
	"os"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags returns a copy of the tags extended with the request parameters
// attached to the context, if any
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newTags := log.Fields{}
	for k, v := range original {
		newTags[k] = v
	}
	if ctxt == nil {
		return newTags, nil
	}
	if param, ok := ctxt.Value(RequestParam{}).(RequestParam); ok {
		param.UpdateLogTags(newTags)
	}
	return newTags, nil
}

// GetUnitTestPostgresURL the postgres connection string used by integration tests.
// Empty means the tests should be skipped.
func GetUnitTestPostgresURL() string {
	return os.Getenv("UNITTEST_POSTGRES_URL")
}

// GetUnitTestRedisAddr the redis address used by integration tests.
// Empty means the tests should be skipped.
func GetUnitTestRedisAddr() string {
	return os.Getenv("UNITTEST_REDIS_ADDR")
}

// GetUnitTestNatsURI the NATS server URI used by integration tests.
// Empty means the tests should be skipped.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}
