// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/kadirpekel/docagent/pkg/observability"
)

const msgLimited = "Demasiadas solicitudes. Intente nuevamente más tarde."

// ClientFunc identifies the client of a request.
type ClientFunc func(r *http.Request) string

// RemoteClient keys clients by remote IP. With trustForwarded, the first
// X-Forwarded-For entry wins.
func RemoteClient(trustForwarded bool) ClientFunc {
	return func(r *http.Request) string {
		if trustForwarded {
			if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
				first, _, _ := strings.Cut(fwd, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
		return host
	}
}

// Middleware rejects requests over the limit with 429. Store errors let
// the request through.
func Middleware(l *Limiter, client ClientFunc, metrics *observability.Metrics) func(http.Handler) http.Handler {
	if client == nil {
		client = RemoteClient(false)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := client(r)
			result, err := l.Allow(r.Context(), id)
			if err != nil {
				slog.Error("Rate limit check failed", "client", id, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			setHeaders(w, result)
			if !result.Allowed {
				slog.Warn("Request rate limited", "client", id, "path", r.URL.Path, "reason", result.Reason)
				metrics.RecordRateLimited(r.Context(), string(result.Tripped))

				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds()))))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"detail": msgLimited})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setHeaders(w http.ResponseWriter, result *Result) {
	u := result.Tightest()
	if u == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(u.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(u.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(u.ResetsAt.Unix(), 10))
}
