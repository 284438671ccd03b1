package news

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// trackingParams are query parameters that never identify content.
var trackingParams = map[string]struct{}{
	"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
	"utm_id": {}, "utm_source_platform": {}, "utm_creative_format": {}, "utm_marketing_tactic": {},
	"fbclid": {}, "fb_action_ids": {}, "fb_action_types": {}, "fb_ref": {}, "fb_source": {},
	"gclid": {}, "gclsrc": {}, "gbraid": {}, "wbraid": {}, "dclid": {}, "msclkid": {},
	"mc_cid": {}, "mc_eid": {}, "ml_subscriber": {}, "ml_subscriber_hash": {},
	"ref": {}, "ref_src": {}, "referrer": {}, "source": {}, "campaign": {},
	"igshid": {}, "igsh": {}, "si": {}, "share": {}, "shared": {},
	"_ga": {}, "_gl": {}, "_hsenc": {}, "_hsmi": {},
	"at_medium": {}, "at_campaign": {}, "mkt_tok": {}, "trk": {}, "trkcampaign": {},
	"sc_campaign": {}, "sc_channel": {}, "cmpid": {}, "rss": {}, "feed": {},
}

// NormalizeLink canonicalizes an article link so the same story fetched
// through different feeds yields the same string.
func NormalizeLink(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "http" {
		u.Scheme = "https"
	}
	u.Host = strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	u.RawQuery = strings.Join(parts, "&")
	u.ForceQuery = false

	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// NormalizeTitle lowercases a title and collapses whitespace.
func NormalizeTitle(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// Fingerprint derives the dedup identity of an article: the normalized link,
// or the normalized title when there is no link.
func Fingerprint(link, title string) string {
	key := NormalizeLink(link)
	if key == "" {
		key = "title:" + NormalizeTitle(title)
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:16])
}

// Host returns the lowercase host of a link without a leading "www.".
func Host(link string) string {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
