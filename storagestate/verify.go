package storagestate

import (
	"sort"
	"strings"
	"time"
)

// siteRequirements is the static allowlist of sites storagestate knows how
// to auto-verify, and the cookie names required to consider each verified.
// Sites with no required cookies present remain false; this table is
// data-driven and extendable without touching call sites, grounded on
// domwatch/internal/config's default-tables style.
var siteRequirements = map[string][]string{
	"google":    {"SID", "SIDCC", "OSID"},
	"linkedin":  {"li_at"},
	"instagram": {"sessionid"},
	"facebook":  {"c_user", "xs"},
	"tiktok":    {"sessionid"},
}

// siteBaseDomains scopes each site's required cookie names to the domain
// they must have been set on, so a cookie literally named "sessionid" saved
// for instagram.com can't also verify tiktok.com. Grounded on the original's
// has_cookie(domain_pred, name) helper
// (original_source/backend/storage_state_manager.py).
var siteBaseDomains = map[string]string{
	"google":    "google.com",
	"linkedin":  "linkedin.com",
	"instagram": "instagram.com",
	"facebook":  "facebook.com",
	"tiktok":    "tiktok.com",
}

// domainMatches reports whether a cookie's Domain attribute belongs to
// baseDomain, either as an exact match or a subdomain of it (the leading
// dot some sites set, e.g. ".google.com", is stripped first).
func domainMatches(cookieDomain, baseDomain string) bool {
	d := strings.ToLower(strings.TrimPrefix(cookieDomain, "."))
	base := strings.ToLower(baseDomain)
	return d == base || strings.HasSuffix(d, "."+base)
}

// hasUnexpiredCookie reports whether cookies contains an unexpired cookie
// named name whose Domain matches baseDomain.
func hasUnexpiredCookie(cookies []Cookie, baseDomain, name string, now time.Time) bool {
	for _, c := range cookies {
		if c.Name == name && domainMatches(c.Domain, baseDomain) && !c.expired(now) {
			return true
		}
	}
	return false
}

// Sites returns the static auto-verification allowlist, sorted for
// deterministic iteration by callers (e.g. metadata reporting).
func Sites() []string {
	sites := make([]string, 0, len(siteRequirements))
	for s := range siteRequirements {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	return sites
}

// verifySites evaluates the auto-verification allowlist against blob's
// cookies as of now, returning a map of site -> verified. A site verifies
// when every required cookie for it is present and not expired.
func verifySites(blob Blob, now time.Time) map[string]bool {
	result := make(map[string]bool, len(siteRequirements))
	for site, required := range siteRequirements {
		base := siteBaseDomains[site]
		ok := len(required) > 0 && base != ""
		for _, name := range required {
			if !hasUnexpiredCookie(blob.Cookies, base, name, now) {
				ok = false
				break
			}
		}
		result[site] = ok
	}
	return result
}

// anyVerified reports whether at least one site in verified is true.
func anyVerified(verified map[string]bool) bool {
	for _, v := range verified {
		if v {
			return true
		}
	}
	return false
}

// statusFor derives the record status from its verification map per
// invariant I-2: status == verified iff at least one site verifies.
func statusFor(verified map[string]bool) Status {
	if anyVerified(verified) {
		return StatusVerified
	}
	return StatusPending
}
