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

// Package fingerprint derives a stable device identity from connection
// metadata and binds bearer tokens to the fingerprint that first used them,
// so a stolen token presented from a different device is detected. The
// binding comparison is a heuristic, not a cryptographic guarantee: it
// tolerates nothing in strict mode, and only IP-subnet drift in non-strict
// mode (mobile network churn).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Separator joins the three fingerprint components.
const Separator = "|"

// DefaultDeviceID is used when the client declares no device identifier.
const DefaultDeviceID = "unknown"

// Derive computes the connection fingerprint: declared device ID, a
// truncated hash of the user-agent string, and the client IP's subnet. The
// function is pure and deterministic; the same metadata always yields the
// same fingerprint.
func Derive(deviceID, userAgent, clientIP string) string {
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	return deviceID + Separator + hashComponent(userAgent, 8) + Separator + subnet(clientIP)
}

// Hash returns a short digest of a fingerprint, safe to log. Raw
// fingerprints never appear in logs or the store.
func Hash(fp string) string {
	return hashComponent(fp, 12)
}

func hashComponent(value string, length int) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:length]
}

// subnet reduces an IP to its network portion: first three octets for IPv4,
// the /64 prefix for IPv6. Unparseable input is used as-is so the
// fingerprint stays deterministic even behind exotic proxies.
func subnet(clientIP string) string {
	ip := net.ParseIP(strings.TrimSpace(clientIP))
	if ip == nil {
		return clientIP
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(64, 128)).String()
}

// components splits a fingerprint into its device, user-agent-hash, and
// subnet parts. Returns false when the value is not a valid fingerprint.
func components(fp string) (device, uaHash, ipSubnet string, ok bool) {
	parts := strings.Split(fp, Separator)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
