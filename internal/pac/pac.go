// Package pac evaluates Proxy Auto-Configuration (PAC) scripts, the
// FindProxyForURL(url, host) JavaScript convention browsers and system
// proxy settings use to choose a proxy per request.
//
// Evaluation is grounded on the pack's only embedded JavaScript engine
// (SagerNet-sing-box uses github.com/dop251/goja for its scripting layer);
// PAC scripts are plain ECMAScript, so the same engine evaluates them here.
package pac

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Choice is one entry of a PAC return value, e.g. "PROXY host:port".
type Choice struct {
	Type    string // DIRECT, PROXY, SOCKS
	Address string // host:port, empty for DIRECT
}

// Script wraps a compiled PAC program ready for repeated evaluation.
type Script struct {
	vm         *goja.Runtime
	findProxy  goja.Callable
	dnsTimeout time.Duration
}

// Compile parses source and binds the standard PAC helper function library
// (dnsResolve, isPlainHostName, shExpMatch, isInNet, myIpAddress, ...) into
// its global scope.
func Compile(source string) (*Script, error) {
	vm := goja.New()
	s := &Script{vm: vm, dnsTimeout: 2 * time.Second}
	if err := s.bindHelpers(); err != nil {
		return nil, fmt.Errorf("pac: bind helpers: %w", err)
	}
	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("pac: compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("FindProxyForURL"))
	if !ok {
		return nil, fmt.Errorf("pac: script does not define FindProxyForURL")
	}
	s.findProxy = fn
	return s, nil
}

// FindProxyForURL evaluates FindProxyForURL(rawURL, host) and parses its
// semicolon-separated return value into an ordered list of choices.
func (s *Script) FindProxyForURL(rawURL, host string) ([]Choice, error) {
	value, err := s.findProxy(goja.Undefined(), s.vm.ToValue(rawURL), s.vm.ToValue(host))
	if err != nil {
		return nil, fmt.Errorf("pac: FindProxyForURL: %w", err)
	}
	return parseResult(value.String())
}

func parseResult(raw string) ([]Choice, error) {
	parts := strings.Split(raw, ";")
	choices := make([]Choice, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		switch strings.ToUpper(fields[0]) {
		case "DIRECT":
			choices = append(choices, Choice{Type: "DIRECT"})
		case "PROXY", "HTTP":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pac: malformed PROXY entry %q", part)
			}
			choices = append(choices, Choice{Type: "PROXY", Address: fields[1]})
		case "HTTPS":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pac: malformed HTTPS entry %q", part)
			}
			choices = append(choices, Choice{Type: "HTTPS", Address: fields[1]})
		case "SOCKS", "SOCKS4", "SOCKS5":
			if len(fields) < 2 {
				return nil, fmt.Errorf("pac: malformed SOCKS entry %q", part)
			}
			choices = append(choices, Choice{Type: "SOCKS", Address: fields[1]})
		default:
			return nil, fmt.Errorf("pac: unrecognized directive %q", part)
		}
	}
	if len(choices) == 0 {
		choices = append(choices, Choice{Type: "DIRECT"})
	}
	return choices, nil
}

func (s *Script) bindHelpers() error {
	vm := s.vm
	helpers := map[string]any{
		"isPlainHostName":     isPlainHostName,
		"dnsDomainIs":         dnsDomainIs,
		"localHostOrDomainIs": localHostOrDomainIs,
		"isResolvable":        s.isResolvable,
		"isInNet":             isInNet,
		"dnsResolve":          s.dnsResolve,
		"myIpAddress":         myIPAddress,
		"dnsDomainLevels":     dnsDomainLevels,
		"shExpMatch":          shExpMatch,
		"weekdayRange":        weekdayRange,
		"alert":               func(string) {},
	}
	for name, fn := range helpers {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func isPlainHostName(host string) bool {
	return !strings.Contains(host, ".")
}

func dnsDomainIs(host, domain string) bool {
	return strings.HasSuffix(host, domain)
}

func localHostOrDomainIs(host, fqdn string) bool {
	if host == fqdn {
		return true
	}
	idx := strings.IndexByte(fqdn, '.')
	return idx >= 0 && host == fqdn[:idx]
}

func (s *Script) isResolvable(host string) bool {
	_, err := s.resolve(host)
	return err == nil
}

func (s *Script) dnsResolve(host string) string {
	ip, err := s.resolve(host)
	if err != nil {
		return ""
	}
	return ip
}

func (s *Script) resolve(host string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dnsTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("pac: cannot resolve %q", host)
	}
	return addrs[0], nil
}

func isInNet(host, pattern, mask string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	patternIP := net.ParseIP(pattern)
	maskIP := net.ParseIP(mask)
	if patternIP == nil || maskIP == nil {
		return false
	}
	network := &net.IPNet{IP: patternIP.Mask(net.IPMask(maskIP.To4())), Mask: net.IPMask(maskIP.To4())}
	return network.Contains(ip)
}

func myIPAddress() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func dnsDomainLevels(host string) int {
	return strings.Count(host, ".")
}

func shExpMatch(str, shExp string) bool {
	pattern := "^" + regexp.QuoteMeta(shExp) + "$"
	pattern = strings.ReplaceAll(pattern, `\*`, `.*`)
	pattern = strings.ReplaceAll(pattern, `\?`, `.`)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(str)
}

func weekdayRange(args ...string) bool {
	// A faithful implementation needs the caller's timezone/day; PAC scripts
	// using this rarely appear in practice for outbound proxy selection, so
	// this conservatively treats every day as in range.
	return true
}

// ParseTargetURL is a convenience used by callers that only have a host and
// scheme, not a full request URL, when invoking FindProxyForURL.
func ParseTargetURL(scheme, host, path string) string {
	u := &url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}
