package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Rejection is the 429 body. It never carries the caller's identity.
type Rejection struct {
	Status               int    `json:"status"`
	Error                string `json:"error"`
	Message              string `json:"message"`
	Limit                int    `json:"limit"`
	Remaining            int    `json:"remaining"`
	NextValidRequestTime string `json:"nextValidRequestTime"`
}

// NewRejection builds the rejection body for a denied decision.
func NewRejection(rule Rule, d Decision) Rejection {
	return Rejection{
		Status:               http.StatusTooManyRequests,
		Error:                "Rate limit exceeded",
		Message:              fmt.Sprintf("You have exceeded the %d requests per %d seconds limit.", rule.Limit, int(rule.Window.Seconds())),
		Limit:                d.Limit,
		Remaining:            0,
		NextValidRequestTime: d.ResetAt.UTC().Format(time.RFC3339),
	}
}

type unavailableBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func applyHeaders(w http.ResponseWriter, d Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
	}
}

func writeRejection(w http.ResponseWriter, rule Rule, d Decision) {
	applyHeaders(w, d)
	writeJSON(w, http.StatusTooManyRequests, NewRejection(rule, d))
}

func writeUnavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, unavailableBody{
		Status:  http.StatusServiceUnavailable,
		Error:   "Service Unavailable",
		Message: "Rate limiting is temporarily unavailable, please retry later.",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
