package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lazyaf/engine/internal/lazyerr"
)

var epoch = time.Unix(0, 0).Format(time.RFC1123)

var noCacheHeaders = map[string]string{
	"Expires":         epoch,
	"Cache-Control":   "no-cache, private, max-age=0",
	"Pragma":          "no-cache",
	"X-Accel-Expires": "0",
}

// WriteError maps an engine error to its prescribed HTTP status (§7) and
// writes it as JSON.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var le *lazyerr.Error
	if asLazyErr(err, &le) {
		status = le.HTTPStatus()
	}
	writeError(w, err, status)
}

func asLazyErr(err error, target **lazyerr.Error) bool {
	le, ok := err.(*lazyerr.Error)
	if !ok {
		return false
	}
	*target = le
	return true
}

func writeError(w http.ResponseWriter, err error, status int) {
	out := struct {
		Message string `json:"error_msg"`
	}{err.Error()}
	WriteJSON(w, &out, status)
}

// WriteJSON writes v as an indented JSON response with cache disabled.
func WriteJSON(w http.ResponseWriter, v interface{}, status int) {
	for k, val := range noCacheHeaders {
		w.Header().Set(k, val)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		logrus.WithError(err).Errorln("control/server: failed to encode response")
	}
}
