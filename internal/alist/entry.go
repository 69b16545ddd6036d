package alist

import (
	"path"
	"strings"
	"time"
)

// Entry is an immutable snapshot of one remote file or directory. Entries
// are created fresh by every listing call and never persisted.
type Entry struct {
	ServerURL string // scheme://host[:port] of the remote service
	BasePath  string // the user's base path reported by /api/me
	Path      string // location relative to BasePath, always starting with "/"

	Name     string
	Size     int64
	IsDir    bool
	Modified time.Time
	Created  time.Time
	Sign     string // server-issued signature, may be empty
	Thumb    string
	Type     int

	// Only populated by the detail endpoint.
	RawURL   string
	Readme   string
	Provider string
}

// AbsPath is the entry's path on the server, including the user's base path.
func (e Entry) AbsPath() string {
	return strings.TrimRight(e.BasePath, "/") + e.Path
}

// Suffix returns the file extension including the dot, as found on the
// remote name. Directories have no suffix.
func (e Entry) Suffix() string {
	if e.IsDir {
		return ""
	}
	return path.Ext(e.Name)
}

// DownloadURL is the self-service download URL. When signKey is set the
// signature is computed locally; otherwise the server-issued sign is used.
func (e Entry) DownloadURL(signKey string) string {
	u := e.ServerURL + "/d" + e.AbsPath()
	switch {
	case signKey != "":
		u += Sign(signKey, e.AbsPath())
	case e.Sign != "":
		u += "?sign=" + e.Sign
	}
	return encodeURL(u)
}

// ProxyURL is DownloadURL routed through the server's proxy endpoint.
func (e Entry) ProxyURL(signKey string) string {
	return strings.Replace(e.DownloadURL(signKey), "/d/", "/p/", 1)
}

// HasRawURL reports whether the entry came from the detail endpoint with a
// provider URL attached.
func (e Entry) HasRawURL() bool {
	return e.RawURL != ""
}

const urlSafe = "@#$&=:/,;?+'"

// encodeURL percent-encodes everything except unreserved characters and the
// reserved characters that carry URL structure.
func encodeURL(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) || strings.IndexByte(urlSafe, c) >= 0 {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&15])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// parseTime accepts the RFC 3339 timestamps the server emits and tolerates
// empty or malformed values.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
