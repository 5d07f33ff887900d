package dataapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/skuld-io/skuld/internal/engine"
)

// Backup identity carriers. Clients that cannot persist a user id keep a
// generated one here so bucketing stays stable across anonymous visits.
const (
	headerBackupID = "X-Backup-Id"
	cookieBackupID = "skuld-backup-id"
)

// buildInput assembles the engine input from the request body plus the
// transport-level augmentations: geo hints from edge-network headers, the
// flattened request headers and the backup identity.
func buildInput(r *http.Request, req EvaluateRequest) engine.Input {
	return engine.Input{
		ID:       req.ID,
		BackupID: backupID(r),
		User:     req.User,
		Page:     req.Page,
		Geo:      geoFromHeaders(r.Header),
		Headers:  headerMap(r.Header),
	}
}

// backupID returns the caller-held identity substitute: the X-Backup-Id
// header, else the skuld-backup-id cookie. It is only consulted when the
// body carries no id.
func backupID(r *http.Request) string {
	if id := r.Header.Get(headerBackupID); id != "" {
		return id
	}
	if c, err := r.Cookie(cookieBackupID); err == nil {
		return c.Value
	}
	return ""
}

// euCountries is the EU-27 membership set behind the isEU hint. Edge
// networks send the country code but not union membership.
var euCountries = map[string]bool{
	"AT": true, "BE": true, "BG": true, "HR": true, "CY": true, "CZ": true,
	"DK": true, "EE": true, "FI": true, "FR": true, "DE": true, "GR": true,
	"HU": true, "IE": true, "IT": true, "LV": true, "LT": true, "LU": true,
	"MT": true, "NL": true, "PL": true, "PT": true, "RO": true, "SK": true,
	"SI": true, "ES": true, "SE": true,
}

// geoFromHeaders derives the best-effort geo record from the headers common
// edge networks inject: Cloudflare's managed transforms, Vercel's IP headers
// and Fly.io's region hint, checked in that order. Every field is optional;
// with no usable header at all the record stays absent so rules observe
// null rather than an empty object.
func geoFromHeaders(h http.Header) map[string]any {
	pick := func(names ...string) string {
		for _, n := range names {
			if v := h.Get(n); v != "" {
				return v
			}
		}
		return ""
	}

	geo := map[string]any{}

	if v := pick("CF-IPCountry", "X-Vercel-IP-Country"); v != "" {
		geo["country"] = v
		geo["isEU"] = euCountries[strings.ToUpper(v)]
	}
	if v := pick("CF-IPContinent", "X-Vercel-IP-Continent"); v != "" {
		geo["continent"] = v
	}
	if v := pick("CF-Region", "X-Vercel-IP-Country-Region", "Fly-Region"); v != "" {
		geo["region"] = v
	}
	if v := pick("CF-IPCity", "X-Vercel-IP-City"); v != "" {
		geo["city"] = v
	}
	if f, ok := pickFloat(h, "CF-IPLatitude", "X-Vercel-IP-Latitude"); ok {
		geo["latitude"] = f
	}
	if f, ok := pickFloat(h, "CF-IPLongitude", "X-Vercel-IP-Longitude"); ok {
		geo["longitude"] = f
	}
	if v := pick("CF-Timezone", "X-Vercel-IP-Timezone"); v != "" {
		geo["timezone"] = v
	}

	if len(geo) == 0 {
		return nil
	}
	return geo
}

// pickFloat resolves the first parseable numeric header so coordinates enter
// the record as numbers and stay comparable in rules.
func pickFloat(h http.Header, names ...string) (float64, bool) {
	for _, n := range names {
		v := h.Get(n)
		if v == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// headerMap flattens the request headers into the lower-cased single-value
// map rules address as request.headers. Credential headers never enter the
// evaluation record.
func headerMap(h http.Header) map[string]any {
	if len(h) == 0 {
		return nil
	}

	m := make(map[string]any, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" {
			continue
		}
		if len(values) > 0 {
			m[lower] = values[0]
		}
	}

	if len(m) == 0 {
		return nil
	}
	return m
}
