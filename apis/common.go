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

// Package apis exposes the reading queries and the live stream over HTTP.
package apis

import (
	"context"
	"net/http"

	"github.com/alwitt/energymon/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	goutils.RestAPIHandler
	requestIDHeader string
}

// defineAPIRestHandler define the base REST handler from the HTTP config
func defineAPIRestHandler(logTags log.Fields, httpConfig *common.HTTPConfig) APIRestHandler {
	return APIRestHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// requestLogTags log tags for the request in the context
func (h APIRestHandler) requestLogTags(ctxt context.Context) log.Fields {
	tags, _ := common.UpdateLogTags(ctxt, h.LogTags)
	return tags
}

// requestID the request ID attached to the context
func requestID(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// successMsg standard success message carrying the request ID
func (h APIRestHandler) successMsg(ctxt context.Context) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTSuccessMsg(ctxt)
	resp.RequestID = requestID(ctxt)
	return resp
}

// errorMsg standard error message carrying the request ID
func (h APIRestHandler) errorMsg(
	ctxt context.Context, code int, message, detail string,
) goutils.RestAPIBaseResponse {
	resp := h.GetStdRESTErrorMsg(ctxt, code, message, detail)
	resp.RequestID = requestID(ctxt)
	return resp
}

// reply helper function for writing responses
func (h APIRestHandler) reply(w http.ResponseWriter, r *http.Request, respCode int, resp interface{}) {
	headers := map[string]string{}
	if reqID := requestID(r.Context()); reqID != "" && h.requestIDHeader != "" {
		headers[h.requestIDHeader] = reqID
	}
	if err := h.WriteRESTResponse(w, respCode, resp, headers); err != nil {
		log.WithError(err).WithFields(h.requestLogTags(r.Context())).Error("Failed to form response")
	}
}

// attachRequestID middleware function to attach a request ID to a API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := ""
		if h.requestIDHeader != "" {
			reqID = r.Header.Get(h.requestIDHeader)
		}
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next(rw, r.WithContext(ctx))
	}
}
