package alist

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Sign returns the query fragment "?sign=<sig>:0" for path, where sig is the
// URL-safe base64 HMAC-SHA256 of path+":0" under secretKey. The trailing 0
// marks a signature that never expires. An empty key yields "".
func Sign(secretKey, path string) string {
	if secretKey == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(path + ":0"))
	return "?sign=" + base64.URLEncoding.EncodeToString(mac.Sum(nil)) + ":0"
}
