// Package urlutil normalizes submitted and canonical URLs.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

var trackingParams = map[string]struct{}{
	"fbclid": {}, "fb_action_ids": {}, "fb_action_types": {}, "fb_source": {}, "fb_ref": {},
	"gclid": {}, "gclsrc": {}, "dclid": {},
	"mc_cid": {}, "mc_eid": {}, "_hsenc": {}, "_hsmi": {}, "mkt_tok": {},
	"ref": {}, "referrer": {}, "source": {},
	"click_id": {}, "clickid": {}, "sid": {}, "sessionid": {},
	"newsletter_id": {}, "email_id": {}, "share": {}, "platform": {},
}

// IsTrackingParam reports whether a query key only carries attribution data.
func IsTrackingParam(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

// Parse accepts absolute http and https URLs only.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", raw)
	}
	return u, nil
}

// Normalize standardizes a URL for duplicate detection. It lowercases the
// scheme and host, removes default ports, the fragment and tracking
// parameters, and sorts the remaining query parameters.
func Normalize(raw string) (string, error) {
	u, err := Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = cleanQuery(u.Query())
	return u.String(), nil
}

// StripTracking removes tracking parameters and the fragment but otherwise
// keeps the URL as given. Unparseable input is returned unchanged.
func StripTracking(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = cleanQuery(u.Query())
	return u.String()
}

// Domain returns the lowercase host without port or a leading "www.".
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func cleanQuery(q url.Values) string {
	for key := range q {
		if IsTrackingParam(key) {
			q.Del(key)
		}
	}
	return q.Encode()
}
