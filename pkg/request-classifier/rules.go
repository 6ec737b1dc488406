// Package classifier decides which caching strategy applies to a request.
//
// Classification is an ordered list of typed rules; the first rule whose
// predicate matches wins. Rules are compiled once from Patterns and are not
// modified afterwards.
package classifier

import (
	"net/url"
	"path"
	"strings"
)

type Strategy string

const (
	// Forward to the network, no caching and no fallback.
	Default Strategy = "default"
	// Do not intercept at all.
	Bypass Strategy = "bypass"
	// Serve from the static partition, fill it from the network on a miss.
	CacheFirst Strategy = "cache-first"
	// Ask the network, fall back to any partition when offline.
	NetworkFirst Strategy = "network-first"
)

// Destination is the kind of resource a request is for.
type Destination string

const (
	DestDocument Destination = "document"
	DestScript   Destination = "script"
	DestStyle    Destination = "style"
	DestImage    Destination = "image"
	DestFont     Destination = "font"
	DestOther    Destination = "other"
)

// ParseDestination maps a Sec-Fetch-Dest header value to a Destination.
func ParseDestination(value string) Destination {
	switch d := Destination(strings.ToLower(strings.TrimSpace(value))); d {
	case DestDocument, DestScript, DestStyle, DestImage, DestFont:
		return d
	default:
		return DestOther
	}
}

// Request is what the classifier knows about a request.
type Request struct {
	// Absolute request URL.
	URL         *url.URL
	Destination Destination
	// Whether the URL has the origin of the worker's scope.
	SameOrigin bool
}

type Predicate func(Request) bool

type Rule struct {
	Name     string
	Strategy Strategy
	Match    Predicate
}

type Rules []Rule

// DefaultRule is returned by Find when no rule matches.
var DefaultRule = Rule{Name: "default", Strategy: Default}

// Find returns the first matching rule, or DefaultRule.
func (r Rules) Find(req Request) Rule {
	for _, rule := range r {
		if rule.Match(req) {
			return rule
		}
	}
	return DefaultRule
}

// Classify returns the strategy for the request.
func (r Rules) Classify(req Request) Strategy {
	return r.Find(req).Strategy
}

// Mode selects how URL patterns are matched.
type Mode string

const (
	// ModeSubstring matches patterns anywhere in the full URL string,
	// including the query. A document URL like "/page?file=x.js" is treated
	// as a static asset in this mode.
	ModeSubstring Mode = "substring"
	// ModeStrict matches exclusions against the host, segments against
	// parsed path segments and extensions against the path extension only.
	ModeStrict Mode = "strict"
)

type Patterns struct {
	// Hosts (or URL substrings) that are never intercepted.
	Exclude []string `yaml:"exclude"`
	// Path segments marking static assets, e.g. "assets".
	AssetSegments []string `yaml:"assetSegments"`
	// Extensions marking static assets, with leading dot.
	AssetExtensions []string `yaml:"assetExtensions"`
	// Path segments marking API calls, e.g. "api".
	APISegments []string `yaml:"apiSegments"`
	Mode        Mode     `yaml:"mode"`
	// Leave requests to other origins alone, excluded or not.
	SameOriginOnly bool `yaml:"sameOriginOnly"`
}

func DefaultPatterns() Patterns {
	return Patterns{
		Exclude: []string{
			"fonts.googleapis.com",
			"fonts.gstatic.com",
			"reasonlabsapi.com",
			"ab.reasonlabsapi.com",
			"www.google-analytics.com",
			"www.googletagmanager.com",
		},
		AssetSegments:   []string{"assets", "images"},
		AssetExtensions: []string{".css", ".js", ".woff", ".woff2", ".webp", ".jpg", ".jpeg", ".png", ".svg"},
		APISegments:     []string{"api"},
		Mode:            ModeSubstring,
	}
}

// Compile builds the ordered rule list for the patterns.
func Compile(p Patterns) Rules {
	var exclude, segment, extension, api Predicate
	if p.Mode == ModeStrict {
		exclude = HostIn(p.Exclude...)
		segment = PathSegmentIn(p.AssetSegments...)
		extension = ExtensionIn(p.AssetExtensions...)
		api = PathSegmentIn(p.APISegments...)
	} else {
		exclude = URLContains(p.Exclude...)
		segment = URLContains(wrapSegments(p.AssetSegments)...)
		extension = URLContains(p.AssetExtensions...)
		api = URLContains(wrapSegments(p.APISegments)...)
	}
	rules := Rules{
		{Name: "non-http", Strategy: Bypass, Match: Not(HTTPScheme)},
		{Name: "exclude", Strategy: Bypass, Match: exclude},
	}
	if p.SameOriginOnly {
		rules = append(rules, Rule{Name: "cross-origin", Strategy: Bypass, Match: Not(IsSameOrigin)})
	}
	return append(rules,
		Rule{Name: "static-asset", Strategy: CacheFirst, Match: Any(segment, extension)},
		Rule{Name: "document-or-api", Strategy: NetworkFirst, Match: Any(DestinationIs(DestDocument), api)},
	)
}

func HTTPScheme(req Request) bool {
	return req.URL.Scheme == "http" || req.URL.Scheme == "https"
}

func IsSameOrigin(req Request) bool {
	return req.SameOrigin
}

// URLContains matches if the full URL string contains any of the substrings.
func URLContains(substrings ...string) Predicate {
	return func(req Request) bool {
		s := req.URL.String()
		for _, sub := range substrings {
			if sub != "" && strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// HostIn matches the URL host or any of its subdomains.
func HostIn(hosts ...string) Predicate {
	return func(req Request) bool {
		host := strings.ToLower(req.URL.Hostname())
		for _, h := range hosts {
			h = strings.ToLower(h)
			if h != "" && (host == h || strings.HasSuffix(host, "."+h)) {
				return true
			}
		}
		return false
	}
}

// PathSegmentIn matches if any directory segment of the path equals one of the names.
// The last segment is the resource itself and never counts.
func PathSegmentIn(names ...string) Predicate {
	return func(req Request) bool {
		segments := strings.Split(req.URL.Path, "/")
		if len(segments) < 2 {
			return false
		}
		for _, segment := range segments[:len(segments)-1] {
			for _, name := range names {
				if segment != "" && segment == name {
					return true
				}
			}
		}
		return false
	}
}

// ExtensionIn matches the extension of the URL path, case-insensitively.
func ExtensionIn(extensions ...string) Predicate {
	return func(req Request) bool {
		ext := strings.ToLower(path.Ext(req.URL.Path))
		if ext == "" {
			return false
		}
		for _, e := range extensions {
			if ext == strings.ToLower(e) {
				return true
			}
		}
		return false
	}
}

func DestinationIs(d Destination) Predicate {
	return func(req Request) bool {
		return req.Destination == d
	}
}

func Any(predicates ...Predicate) Predicate {
	return func(req Request) bool {
		for _, p := range predicates {
			if p(req) {
				return true
			}
		}
		return false
	}
}

func Not(p Predicate) Predicate {
	return func(req Request) bool {
		return !p(req)
	}
}

func wrapSegments(segments []string) []string {
	wrapped := make([]string, 0, len(segments))
	for _, s := range segments {
		wrapped = append(wrapped, "/"+s+"/")
	}
	return wrapped
}
