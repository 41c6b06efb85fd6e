package xssfilter

import (
	"mime"
	"strings"
)

const (
	mediaJSON      = "application/json"
	mediaMultipart = "multipart/form-data"
)

// Classification is the body kind derived from a Content-Type header.
type Classification struct {
	JSON      bool
	Multipart bool
}

// Classify computes the classification of a Content-Type value. An empty
// value is neither JSON nor multipart.
func Classify(contentType string) Classification {
	return Classification{
		JSON:      IsJSONContent(contentType),
		Multipart: IsMultipartContent(contentType),
	}
}

// IsJSONContent reports whether contentType starts with application/json,
// ignoring case.
func IsJSONContent(contentType string) bool {
	return hasPrefixFold(contentType, mediaJSON)
}

// IsMultipartContent reports whether contentType starts with
// multipart/form-data, ignoring case.
func IsMultipartContent(contentType string) bool {
	return hasPrefixFold(contentType, mediaMultipart)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// charsetOf returns the charset parameter of contentType, or "" when the
// header has none or does not parse.
func charsetOf(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(params["charset"])
}
