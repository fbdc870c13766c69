// Package meta derives SenderMeta from an incoming request: the remote
// address (walking a trusted X-Forwarded-For chain), user agent, and
// GeoIP-derived city/region/country, mirroring the original meta.rs.
package meta

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog"

	"github.com/mozilla-services/channelserver/internal/perror"
)

// SenderMeta is the per-connection metadata attached to channel log lines
// and, selectively, surfaced to the peer. UA is part of the JSON form but
// is deliberately excluded from log fields for PII reasons; see AsLogFields.
type SenderMeta struct {
	UA      string `json:"ua,omitempty"`
	Remote  string `json:"remote,omitempty"`
	City    string `json:"city,omitempty"`
	Region  string `json:"region,omitempty"`
	Country string `json:"country,omitempty"`
}

// AsLogFields returns a field map suitable for structured logging. The UA
// string is never included.
func (s SenderMeta) AsLogFields() map[string]string {
	fields := map[string]string{}
	if s.Remote != "" {
		fields["remote_ip"] = s.Remote
	}
	if s.City != "" {
		fields["remote_city"] = s.City
	}
	if s.Region != "" {
		fields["remote_region"] = s.Region
	}
	if s.Country != "" {
		fields["remote_country"] = s.Country
	}
	return fields
}

// GeoReader is satisfied by *geoip2.Reader; narrowed to the single lookup
// method meta needs so tests can substitute a fake.
type GeoReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Build derives a SenderMeta from an HTTP request, the configured trusted
// proxy ranges, and an opened GeoIP reader (may be nil, in which case
// location fields come only from the X-Client-Geo-Location header).
func Build(r *http.Request, trustedProxies []*net.IPNet, geo GeoReader, log zerolog.Logger) SenderMeta {
	var meta SenderMeta

	remote, err := getRemote(r, trustedProxies)
	if err != nil {
		log.Warn().Err(err).Msg("could not determine remote address")
	} else {
		meta.Remote = remote
	}

	meta.UA = getUA(r, log)

	langs := preferredLanguages(r.Header.Get("Accept-Language"))
	if geo != nil && meta.Remote != "" {
		getLocation(&meta, langs, geo, log)
	}
	if meta.City == "" {
		applyGeoLocationHeader(&meta, r.Header.Get("X-Client-Geo-Location"))
	}
	return meta
}

// applyGeoLocationHeader fills in region/city from a client-supplied
// "region,city" hint when GeoIP produced no city of its own. Only ever
// consulted as a fallback: an untrusted client claim never overrides a
// database lookup, it only fills a gap one left behind.
func applyGeoLocationHeader(meta *SenderMeta, header string) {
	if header == "" {
		return
	}
	parts := strings.SplitN(header, ",", 2)
	region := strings.TrimSpace(parts[0])
	if region != "" && meta.Region == "" {
		meta.Region = region
	}
	if len(parts) == 2 {
		if city := strings.TrimSpace(parts[1]); city != "" {
			meta.City = city
		}
	}
}

func getUA(r *http.Request, log zerolog.Logger) string {
	ua := r.Header.Get("User-Agent")
	return ua
}

// isTrustedProxy reports whether host falls within any configured range.
func isTrustedProxy(ranges []*net.IPNet, host net.IP) bool {
	for _, r := range ranges {
		if r.Contains(host) {
			return true
		}
	}
	return false
}

// getRemote walks the X-Forwarded-For chain from right to left, exactly
// as the original's get_remote: if the direct peer is not a trusted
// proxy its address is authoritative; otherwise take the rightmost
// X-Forwarded-For entry that is neither loopback nor itself a trusted
// proxy.
func getRemote(r *http.Request, trustedProxies []*net.IPNet) (string, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peerIP := net.ParseIP(host)
	if peerIP == nil {
		return "", perror.New(perror.KindBadRemoteAddr, "peer is unspecified")
	}
	if !isTrustedProxy(trustedProxies, peerIP) {
		return peerIP.String(), nil
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return "", perror.New(perror.KindBadRemoteAddr, "no X-Forwarded-For found for proxied connection")
	}
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		candidate := strings.TrimSpace(parts[i])
		addr := net.ParseIP(candidate)
		if addr == nil {
			return "", perror.New(perror.KindBadRemoteAddr, "bad IP specified in X-Forwarded-For")
		}
		if !addr.IsLoopback() && !isTrustedProxy(trustedProxies, addr) {
			return addr.String(), nil
		}
	}
	return "", perror.New(perror.KindBadRemoteAddr, "only proxies specified")
}

// preferredLanguages parses an Accept-Language header into a list of
// language tags ordered from most to least preferred, with "en" always
// appended as the ultimate fallback.
func preferredLanguages(header string) []string {
	const defaultLang = "en"
	if header == "" {
		return []string{"*", defaultLang}
	}

	type weighted struct {
		lang   string
		weight string
	}
	var entries []weighted
	i := 0
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, ";") {
			fields := strings.SplitN(part, ";", 2)
			lang := strings.ToLower(strings.TrimSpace(fields[0]))
			weight := strings.ToLower(strings.TrimSpace(fields[1]))
			entries = append(entries, weighted{lang: lang, weight: weight})
		} else {
			entries = append(entries, weighted{
				lang:   strings.ToLower(part),
				weight: "q=1." + pad(i),
			})
			i++
		}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].weight < entries[b].weight
	})
	langs := make([]string, 0, len(entries)+1)
	for i := len(entries) - 1; i >= 0; i-- {
		langs = append(langs, entries[i].lang)
	}
	langs = append(langs, defaultLang)
	return langs
}

func pad(i int) string {
	s := strconv.Itoa(i)
	if len(s) < 2 {
		s = "0" + s
	}
	return s
}

// preferredLanguageElement returns the element whose key most closely
// matches one of langs, rounding a dialect (en-US) up to its base
// language (en) when no exact match exists.
func preferredLanguageElement(langs []string, elements map[string]string) (string, bool) {
	for _, lang := range langs {
		if lang == "*" {
			for _, v := range elements {
				return v, true
			}
			return "", false
		}
		if v, ok := elements[lang]; ok {
			return v, true
		}
		if i := strings.Index(lang, "-"); i > 0 {
			base := lang[:i]
			if v, ok := elements[base]; ok {
				return v, true
			}
		}
	}
	return "", false
}

func getLocation(meta *SenderMeta, langs []string, geo GeoReader, log zerolog.Logger) {
	ip := net.ParseIP(meta.Remote)
	if ip == nil {
		return
	}
	city, err := geo.City(ip)
	if err != nil {
		log.Warn().Err(err).Str("remote_ip", meta.Remote).Msg("no location info for IP")
		return
	}
	if names := city.City.Names; len(names) > 0 {
		if v, ok := preferredLanguageElement(langs, names); ok {
			meta.City = v
		}
	}
	if names := city.Country.Names; len(names) > 0 {
		if v, ok := preferredLanguageElement(langs, names); ok {
			meta.Country = v
		}
	}
	if len(city.Subdivisions) > 0 {
		if names := city.Subdivisions[0].Names; len(names) > 0 {
			if v, ok := preferredLanguageElement(langs, names); ok {
				meta.Region = v
			}
		}
	}
}
