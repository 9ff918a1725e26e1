package handlers

import (
	"net/http"

	"github.com/digkill/MediaRise-Robot-Console/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteJSONError(w, http.StatusNotFound, &mw.Error{
		Type:      "not_found",
		Message:   "not found",
		RequestID: reqID,
	})
}
