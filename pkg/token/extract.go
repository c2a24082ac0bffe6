// Copyright 2024 The wsguard-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// Extract pulls the bearer credential out of a handshake request. The first
// present source wins: query parameter "token", then the Authorization
// header with a Bearer scheme, then the "ws_token" cookie. Returns an empty
// string when no source carries a token.
func Extract(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, bearerPrefix) {
		if t := strings.TrimSpace(auth[len(bearerPrefix):]); t != "" {
			return t
		}
	}

	if cookie, err := r.Cookie("ws_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	return ""
}
