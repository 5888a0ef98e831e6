// Package safety implements the Safety Validator: it parses and vets a
// submitted URL, rejects SSRF-prone targets, and extracts the registrable
// domain used as the per-domain locking key.
package safety

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/ternarybob/pdfjobs/internal/jobmodel"
)

// RejectError is returned by Validate when a URL fails validation; Code is
// one of jobmodel.ErrorInvalidURL or jobmodel.ErrorSSRFBlocked.
type RejectError struct {
	Code   jobmodel.ErrorCode
	Reason string
}

func (e *RejectError) Error() string {
	return string(e.Code) + ": " + e.Reason
}

func reject(code jobmodel.ErrorCode, reason string) error {
	return &RejectError{Code: code, Reason: reason}
}

// blockedCIDRs are the private/loopback/link-local/metadata ranges a
// submitted host must not resolve to textually. Built on net.ParseIP +
// net.IPNet.Contains: the only stdlib-only corner of this package,
// documented in DESIGN.md since no library in the retrieval pack carries a
// CIDR-ACL abstraction and a fixed 9-entry table does not warrant one.
var blockedCIDRs = mustParseCIDRs([]string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7", // unique-local
	"fe80::/10", // link-local
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

const (
	metadataIPv4 = "169.254.169.254"
	metadataIPv6 = "fd00:ec2::254"
)

// Result is the outcome of a successful Validate call.
type Result struct {
	NormalizedURL string
	DomainKey     string
}

// Validate parses and vets raw, returning the normalized URL and
// registrable domain, or a *RejectError describing why it was rejected.
func Validate(raw string) (Result, error) {
	if strings.TrimSpace(raw) == "" {
		return Result{}, reject(jobmodel.ErrorInvalidURL, "empty URL")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Result{}, reject(jobmodel.ErrorInvalidURL, "malformed URL: "+err.Error())
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{}, reject(jobmodel.ErrorInvalidURL, "unsupported scheme: "+u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Result{}, reject(jobmodel.ErrorInvalidURL, "missing host")
	}

	if err := checkBlockedHost(host); err != nil {
		return Result{}, err
	}

	normalized, err := normalize(u, scheme, host)
	if err != nil {
		return Result{}, reject(jobmodel.ErrorInvalidURL, err.Error())
	}

	domainKey, err := registrableDomain(host)
	if err != nil {
		return Result{}, reject(jobmodel.ErrorInvalidURL, err.Error())
	}

	return Result{NormalizedURL: normalized, DomainKey: domainKey}, nil
}

func checkBlockedHost(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return reject(jobmodel.ErrorSSRFBlocked, "host is localhost")
	}
	if lower == metadataIPv4 || lower == metadataIPv6 {
		return reject(jobmodel.ErrorSSRFBlocked, "host is the cloud metadata endpoint")
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Not a literal IP; DNS resolution is deliberately not performed
		// here — validation is textual only.
		return nil
	}
	for _, blocked := range blockedCIDRs {
		if blocked.Contains(ip) {
			return reject(jobmodel.ErrorSSRFBlocked, "host "+host+" is in blocked range "+blocked.String())
		}
	}
	return nil
}

// normalize lowercases scheme and host, strips default ports, drops the
// fragment, keeps the query verbatim, and leaves the path case-sensitive.
func normalize(u *url.URL, scheme, host string) (string, error) {
	out := *u
	out.Scheme = scheme
	out.Fragment = ""
	out.RawFragment = ""

	lowerHost := strings.ToLower(host)
	port := u.Port()
	if port != "" {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			out.Host = lowerHost
		} else {
			out.Host = net.JoinHostPort(lowerHost, port)
		}
	} else {
		out.Host = lowerHost
	}

	return out.String(), nil
}

// registrableDomain extracts the eTLD+1 of host using an authoritative
// Public Suffix List snapshot (golang.org/x/net/publicsuffix — the same
// package the standard library's net/http/cookiejar uses for this exact
// boundary), never a hand-rolled "last two labels" heuristic.
func registrableDomain(host string) (string, error) {
	lower := strings.ToLower(host)
	if ip := net.ParseIP(lower); ip != nil {
		// IP literals have no registrable domain; use the literal itself
		// as the locking key so per-"domain" serialization still applies.
		return lower, nil
	}

	etld1, err := publicsuffix.EffectiveTLDPlusOne(lower)
	if err != nil {
		// publicsuffix errors on single-label hosts and hosts that are
		// themselves a public suffix (e.g. "co.uk" with nothing below
		// it); use the bare host as the locking key rather than
		// rejecting the whole submission outright.
		return lower, nil
	}
	return etld1, nil
}
