// Copyright 2022 The accelerator Authors
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
	"net/http"

	"github.com/alwitt/accelerator/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code   int    `json:"code"`
	Msg    string `json:"message,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"request_id,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// writeRESTResponse write a REST response
func writeRESTResponse(w http.ResponseWriter, respCode int, resp interface{}) error {
	t, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(respCode)
	_, err = w.Write(t)
	return err
}

// ========================================================================================
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
	common.Component
	requestIDHeader string
	doNotLogHeaders map[string]bool
}

// newAPIRestHandler define the base REST handler
func newAPIRestHandler(logTags log.Fields, httpConfig common.HTTPConfig) APIRestHandler {
	doNotLog := make(map[string]bool)
	for _, header := range httpConfig.Logging.DoNotLogHeaders {
		doNotLog[http.CanonicalHeaderKey(header)] = true
	}
	return APIRestHandler{
		Component:       common.Component{LogTags: logTags},
		requestIDHeader: httpConfig.Logging.RequestIDHeader,
		doNotLogHeaders: doNotLog,
	}
}

// logTagsForContext log tags extended with the request parameters
func (h APIRestHandler) logTagsForContext(ctxt context.Context) log.Fields {
	tags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
		return h.LogTags
	}
	return tags
}

// requestID read the request ID from the context
func (h APIRestHandler) requestID(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// getStdRESTSuccessMsg define a standard success message
func (h APIRestHandler) getStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: h.requestID(ctxt)}
}

// getStdRESTErrorMsg define a standard error message
func (h APIRestHandler) getStdRESTErrorMsg(
	ctxt context.Context, code int, message string, detail string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: h.requestID(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: message, Detail: detail},
	}
}

// reply helper function for writing responses
func (h APIRestHandler) reply(
	w http.ResponseWriter, r *http.Request, respCode int, resp interface{}, restCall string,
) {
	if reqID := h.requestID(r.Context()); reqID != "" && h.requestIDHeader != "" {
		w.Header().Set(h.requestIDHeader, reqID)
	}
	if err := writeRESTResponse(w, respCode, resp); err != nil {
		log.WithError(err).WithFields(h.logTagsForContext(r.Context())).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
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
		headers := log.Fields{}
		for name, values := range r.Header {
			if !h.doNotLogHeaders[http.CanonicalHeaderKey(name)] {
				headers[name] = values
			}
		}
		log.WithFields(h.logTagsForContext(ctx)).WithField("headers", headers).Debug("New request")

		next(rw, r.WithContext(ctx))
	}
}
