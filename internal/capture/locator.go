package capture

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// Kind classifies a stream locator
type Kind string

const (
	KindFile     Kind = "file"
	KindCamera   Kind = "camera"
	KindDevice   Kind = "device"
	KindRTSP     Kind = "rtsp"
	KindHTTP     Kind = "http"
	KindSnapshot Kind = "snapshot"
	KindPlatform Kind = "platform"
)

// Locator is a parsed stream source address
type Locator struct {
	Raw    string
	Kind   Kind
	Target string
	// Live sources are reopened after failures; finite ones end normally
	Live bool
	// Offline finite sources are decoded as fast as possible instead of at
	// their native rate
	Offline bool
}

func (l Locator) String() string {
	return l.Raw
}

var (
	digitsRe = regexp.MustCompile(`^\d+$`)

	platformHosts = []string{"youtube.com", "youtu.be", "m.youtube.com", "www.youtube.com"}
	videoExts     = []string{".mp4", ".avi", ".mov", ".mkv", ".webm", ".m4v", ".ts"}
)

// ParseLocator classifies a locator string
func ParseLocator(raw string) (Locator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Locator{}, errors.New("empty source locator")
	}

	loc := Locator{Raw: s, Target: s}

	switch {
	case digitsRe.MatchString(s):
		loc.Kind = KindCamera
		loc.Target = "/dev/video" + s
		loc.Live = true
		return loc, nil
	case strings.HasPrefix(s, "/dev/"):
		loc.Kind = KindDevice
		loc.Live = true
		return loc, nil
	case strings.HasPrefix(s, "file://"):
		loc.Kind = KindFile
		loc.Target = strings.TrimPrefix(s, "file://")
		return loc, nil
	}

	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// plain path (a one letter scheme is a windows drive)
		loc.Kind = KindFile
		return loc, nil
	}

	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps", "rtmp", "rtmps", "srt", "udp":
		loc.Kind = KindRTSP
		loc.Live = true
	case "http", "https":
		host := strings.ToLower(u.Hostname())
		switch {
		case isPlatformHost(host):
			loc.Kind = KindPlatform
			loc.Live = true
		case isSnapshotEndpoint(s):
			loc.Kind = KindSnapshot
			loc.Live = true
		default:
			loc.Kind = KindHTTP
			loc.Live = !hasVideoExt(u.Path)
		}
	default:
		return Locator{}, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	return loc, nil
}

func isPlatformHost(host string) bool {
	for _, h := range platformHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func isSnapshotEndpoint(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, ".jpg") || strings.Contains(lower, ".jpeg") ||
		strings.Contains(lower, "snapshot") || strings.Contains(lower, "image")
}

func hasVideoExt(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	for _, e := range videoExts {
		if ext == e {
			return true
		}
	}
	return false
}
