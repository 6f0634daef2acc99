package browser

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-rod/rod/lib/proto"
)

// DefaultAllowedDomains are fetched from the real network so generated pages
// can use web fonts and ES module CDNs. Subdomains match too.
var DefaultAllowedDomains = []string{
	"fonts.googleapis.com",
	"fonts.gstatic.com",
	"esm.sh",
	"unpkg.com",
}

type Action int

const (
	// ActionContinue lets the request through untouched.
	ActionContinue Action = iota
	// ActionRedirect sends the request to the proxy at Decision.Target.
	ActionRedirect
	// ActionEmpty answers with an empty 200 body.
	ActionEmpty
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRedirect:
		return "redirect"
	case ActionEmpty:
		return "empty"
	}
	return "unknown"
}

// Request is the part of an intercepted browser request the policy looks at.
type Request struct {
	URL     string
	Method  string
	Type    proto.NetworkResourceType
	Headers map[string]string
}

type Decision struct {
	Action Action
	Target string
}

// Policy decides what happens to each request the browser makes.
type Policy struct {
	proxyHost string
	base      string
	allowed   []string
}

// NewPolicy routes generated content to the proxy listening on proxyAddr
// (host:port).
func NewPolicy(proxyAddr string, allowed []string) *Policy {
	return &Policy{
		proxyHost: strings.ToLower(proxyAddr),
		base:      "http://" + proxyAddr,
		allowed:   allowed,
	}
}

func (p *Policy) Decide(req Request) Decision {
	u, err := url.Parse(req.URL)
	if err != nil {
		return Decision{Action: ActionEmpty}
	}
	host := strings.ToLower(u.Host)

	if host == p.proxyHost {
		return Decision{Action: ActionContinue}
	}
	if req.Method != http.MethodGet {
		return Decision{Action: ActionEmpty}
	}

	switch req.Type {
	case proto.NetworkResourceTypeDocument:
		return Decision{Action: ActionRedirect, Target: p.target("/html", url.Values{
			"url":     {req.URL},
			"type":    {strings.ToLower(string(req.Type))},
			"headers": {encodeHeaders(req.Headers)},
		})}
	case proto.NetworkResourceTypeImage:
		return Decision{Action: ActionRedirect, Target: p.target("/image", url.Values{
			"url":     {req.URL},
			"headers": {encodeHeaders(req.Headers)},
		})}
	case proto.NetworkResourceTypeMedia:
		return Decision{Action: ActionRedirect, Target: p.target("/video", url.Values{
			"url": {req.URL},
		})}
	}

	if p.isAllowed(u.Hostname()) {
		return Decision{Action: ActionContinue}
	}
	return Decision{Action: ActionEmpty}
}

func (p *Policy) target(path string, q url.Values) string {
	return p.base + path + "?" + q.Encode()
}

func (p *Policy) isAllowed(host string) bool {
	host = strings.ToLower(host)
	for _, d := range p.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func encodeHeaders(h map[string]string) string {
	if h == nil {
		h = map[string]string{}
	}
	b, _ := json.Marshal(h)
	return string(b)
}
