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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alwitt/energymon/broadcast"
	"github.com/alwitt/energymon/common"
	"github.com/alwitt/energymon/ingest"
	"github.com/alwitt/energymon/query"
	"github.com/alwitt/energymon/storage"
	"github.com/alwitt/energymon/telemetry"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Live stream event names
const (
	EventHistoricalData = "historical-data"
	EventEnergyUpdate   = "energy-update"
)

// BrokerSessionReporter reports the ingestor broker session state
type BrokerSessionReporter interface {
	State() ingest.State
}

// StoreHealthReporter reports the reading store health
type StoreHealthReporter interface {
	Status() storage.StoreStatus
}

// ReadingsParams readings API parameters
type ReadingsParams struct {
	// DefaultRangeHours range used when the request has no "hours"
	DefaultRangeHours int
	// BackfillSize number of Readings sent to a new live viewer by default
	BackfillSize int
}

// APIRestReadingsHandler REST handler for the reading queries and live stream
type APIRestReadingsHandler struct {
	APIRestHandler
	params      ReadingsParams
	query       query.Service
	hub         broadcast.Broadcaster
	session     BrokerSessionReporter
	storeHealth StoreHealthReporter
	baseContext context.Context
}

// GetAPIRestReadingsHandler define APIRestReadingsHandler
func GetAPIRestReadingsHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	params ReadingsParams,
	querySvc query.Service,
	hub broadcast.Broadcaster,
	session BrokerSessionReporter,
	storeHealth StoreHealthReporter,
) (APIRestReadingsHandler, error) {
	if params.DefaultRangeHours < 1 {
		return APIRestReadingsHandler{}, fmt.Errorf("default range must be at least one hour")
	}
	if params.BackfillSize < 0 || params.BackfillSize > query.MaxBackfillSize {
		return APIRestReadingsHandler{}, fmt.Errorf(
			"backfill size must be within [0, %d]", query.MaxBackfillSize,
		)
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "readings",
	}
	return APIRestReadingsHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		params:         params,
		query:          querySvc,
		hub:            hub,
		session:        session,
		storeHealth:    storeHealth,
		baseContext:    baseContext,
	}, nil
}

// readIntQuery read an optional integer query parameter
func readIntQuery(r *http.Request, name string, defaultValue int) (int, error) {
	values, ok := r.URL.Query()[name]
	if !ok {
		return defaultValue, nil
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("multiple '%s' given", name)
	}
	parsed, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, fmt.Errorf("'%s' is not an integer: %w", name, err)
	}
	return parsed, nil
}

// queryFailure map a query failure to the response code
func queryFailure(err error) int {
	var invalid *query.QueryError
	if errors.As(err, &invalid) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// =======================================================================
// Historical queries

// APIRestRespReadings response carrying a sequence of Readings
type APIRestRespReadings struct {
	goutils.RestAPIBaseResponse
	// Readings in ascending observation order
	Readings []telemetry.Reading `json:"readings"`
}

// GetRange godoc
// @Summary Fetch recent readings
// @Description Fetch all readings observed within the last N hours, oldest first
// @tags Readings
// @Produce json
// @Param Energymon-Request-ID header string false "User provided request ID to match against logs"
// @Param hours query integer false "Window size in hours (DEFAULT: 24)"
// @Success 200 {object} APIRestRespReadings "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/readings [get]
func (h APIRestReadingsHandler) GetRange(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	hours, err := readIntQuery(r, "hours", h.params.DefaultRangeHours)
	if err != nil {
		msg := "Invalid hours"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	readings, err := h.query.GetRange(r.Context(), hours)
	if err != nil {
		msg := fmt.Sprintf("Unable to fetch readings of last %dh", hours)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = queryFailure(err)
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespReadings{
		RestAPIBaseResponse: h.successMsg(r.Context()), Readings: readings,
	}
}

// GetRangeHandler Wrapper around GetRange
func (h APIRestReadingsHandler) GetRangeHandler() http.HandlerFunc {
	return h.attachRequestID(h.GetRange)
}

// -----------------------------------------------------------------------

// APIRestRespSummary response carrying the daily summary
type APIRestRespSummary struct {
	goutils.RestAPIBaseResponse
	query.DailySummary
}

// GetSummary godoc
// @Summary Fetch the daily energy summary
// @Description Fetch the cumulative energy reported at the end of today and yesterday
// @tags Readings
// @Produce json
// @Param Energymon-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespSummary "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/readings/summary [get]
func (h APIRestReadingsHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	summary, err := h.query.GetDailySummary(r.Context())
	if err != nil {
		msg := "Unable to compute daily summary"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = queryFailure(err)
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSummary{
		RestAPIBaseResponse: h.successMsg(r.Context()), DailySummary: summary,
	}
}

// GetSummaryHandler Wrapper around GetSummary
func (h APIRestReadingsHandler) GetSummaryHandler() http.HandlerFunc {
	return h.attachRequestID(h.GetSummary)
}

// -----------------------------------------------------------------------

// APIRestRespReading response carrying one Reading
type APIRestRespReading struct {
	goutils.RestAPIBaseResponse
	Reading *telemetry.Reading `json:"reading,omitempty"`
}

// GetLatest godoc
// @Summary Fetch the newest reading
// @tags Readings
// @Produce json
// @Param Energymon-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespReading "success"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/readings/latest [get]
func (h APIRestReadingsHandler) GetLatest(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	latest, err := h.query.GetLatest(r.Context())
	if err != nil {
		msg := "Unable to fetch newest reading"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = queryFailure(err)
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	if latest == nil {
		msg := "No reading recorded yet"
		respCode = http.StatusNotFound
		respBody = h.errorMsg(r.Context(), respCode, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespReading{
		RestAPIBaseResponse: h.successMsg(r.Context()), Reading: latest,
	}
}

// GetLatestHandler Wrapper around GetLatest
func (h APIRestReadingsHandler) GetLatestHandler() http.HandlerFunc {
	return h.attachRequestID(h.GetLatest)
}

// =======================================================================
// Live stream

// LiveHistoricalEvent first message of a live stream
type LiveHistoricalEvent struct {
	Event    string              `json:"event"`
	Readings []telemetry.Reading `json:"readings"`
}

// LiveUpdateEvent one newly ingested Reading
type LiveUpdateEvent struct {
	Event   string            `json:"event"`
	Reading telemetry.Reading `json:"reading"`
}

// readingKey identity of a Reading for de-duplicating backfill against live delivery
type readingKey struct {
	observedAt int64
	voltage    float64
	currentMA  float64
	powerW     float64
	energyWH   float64
}

func keyOf(reading telemetry.Reading) readingKey {
	return readingKey{
		observedAt: reading.ObservedAt.UnixNano(),
		voltage:    reading.Voltage,
		currentMA:  reading.CurrentMA,
		powerW:     reading.PowerW,
		energyWH:   reading.EnergyWH,
	}
}

// backfillOverlap tracks the live readings queued while the backfill was read. Only those
// may repeat a backfill entry; everything after is delivered as published.
type backfillOverlap struct {
	remaining int
	sent      map[readingKey]int
}

func newBackfillOverlap(backfill []telemetry.Reading, queued int) *backfillOverlap {
	tracker := &backfillOverlap{remaining: queued, sent: map[readingKey]int{}}
	if queued > 0 {
		for _, reading := range backfill {
			tracker.sent[keyOf(reading)]++
		}
	}
	return tracker
}

// skip whether the live reading was already sent with the backfill
func (o *backfillOverlap) skip(reading telemetry.Reading) bool {
	if o.remaining <= 0 {
		return false
	}
	o.remaining--
	key := keyOf(reading)
	if o.sent[key] > 0 {
		o.sent[key]--
		return true
	}
	return false
}

// LiveStream godoc
// @Summary Stream live readings
// @Description Long lived stream of newline delimited JSON events. The first event carries
// the most recent readings; each following event carries one newly ingested reading. The
// stream closes on client disconnect or server shutdown.
// @tags Readings
// @Produce json
// @Param Energymon-Request-ID header string false "User provided request ID to match against logs"
// @Param backfill query integer false "Number of recent readings in the first event (MAX: 100)"
// @Success 200 {object} LiveUpdateEvent "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/readings/live [get]
func (h APIRestReadingsHandler) LiveStream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r.Context())
	var respCode int
	var respBody interface{}
	streaming := false
	defer func() {
		if !streaming {
			h.reply(w, r, respCode, respBody)
		}
	}()

	backfillSize, err := readIntQuery(r, "backfill", h.params.BackfillSize)
	if err == nil && backfillSize < 0 {
		err = fmt.Errorf("'backfill' must not be negative")
	}
	if err != nil {
		msg := "Invalid backfill"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.errorMsg(r.Context(), respCode, msg, msg)
		return
	}

	// Register before reading the backfill so nothing published in between is missed
	sub := h.hub.Register()
	defer h.hub.Unregister(sub)
	localLogTags["subscription"] = sub.ID()

	backfill, err := h.query.GetBackfill(r.Context(), backfillSize)
	if err != nil {
		msg := "Unable to read backfill"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = queryFailure(err)
		respBody = h.errorMsg(r.Context(), respCode, msg, err.Error())
		return
	}
	// Only readings published while the backfill was read can overlap with it
	overlap := newBackfillOverlap(backfill, sub.Buffered())

	// Streams outlive the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.WithError(err).WithFields(localLogTags).Debug("Unable to lift write deadline")
	}

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "application/x-ndjson")
	if reqID := requestID(r.Context()); reqID != "" && h.requestIDHeader != "" {
		w.Header().Set(h.requestIDHeader, reqID)
	}
	w.WriteHeader(http.StatusOK)
	streaming = true

	send := func(event interface{}) error {
		serialize, err := json.Marshal(event)
		if err != nil {
			return err
		}
		written, err := fmt.Fprintf(w, "%s\n", serialize)
		writeFlusher.Flush()
		if err != nil {
			return err
		}
		log.WithFields(localLogTags).Debugf("Written %dB", written)
		return nil
	}

	if err := send(LiveHistoricalEvent{Event: EventHistoricalData, Readings: backfill}); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to transmit backfill")
		return
	}
	log.WithFields(localLogTags).Infof("Live stream started with %d backfill readings", len(backfill))

	// The stream ends with the request or the server
	streamCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	stopOnShutdown := context.AfterFunc(h.baseContext, cancel)
	defer stopOnShutdown()

	for {
		reading, err := sub.Next(streamCtxt)
		if err != nil {
			switch {
			case h.baseContext.Err() != nil:
				log.WithFields(localLogTags).Info("Terminating live stream on server stop")
			case r.Context().Err() != nil:
				log.WithFields(localLogTags).Info("Terminating live stream on request end")
			default:
				log.WithError(err).WithFields(localLogTags).Error("Live delivery interrupted")
			}
			return
		}
		if overlap.skip(reading) {
			continue
		}
		if err := send(LiveUpdateEvent{Event: EventEnergyUpdate, Reading: reading}); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to transmit reading")
			return
		}
	}
}

// LiveStreamHandler Wrapper around LiveStream
func (h APIRestReadingsHandler) LiveStreamHandler() http.HandlerFunc {
	return h.attachRequestID(h.LiveStream)
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestReadingsHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.successMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestReadingsHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.Alive)
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the broker subscription is active and the reading
// store is healthy
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestReadingsHandler) Ready(w http.ResponseWriter, r *http.Request) {
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	if state := h.session.State(); state != ingest.StateSubscribed {
		msg := "not ready"
		respCode = http.StatusInternalServerError
		respBody = h.errorMsg(
			r.Context(), respCode, msg, fmt.Sprintf("broker session %s", state),
		)
		return
	}
	if status := h.storeHealth.Status(); !status.Healthy {
		msg := "not ready"
		detail := "reading store unhealthy"
		if status.LastError != "" {
			detail = fmt.Sprintf("%s: %s", detail, status.LastError)
		}
		respCode = http.StatusInternalServerError
		respBody = h.errorMsg(r.Context(), respCode, msg, detail)
		return
	}
	respCode = http.StatusOK
	respBody = h.successMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestReadingsHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(h.Ready)
}
