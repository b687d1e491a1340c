package websim

import "strings"

// DetermineFromAccept resolves a content type from the Accept header.
// The first configured MIME type (in sorted order) contained in the header wins.
func (cfg *Config) DetermineFromAccept(accept string) (string, *ContentTypeConfig, bool) {
	if accept == "" {
		return "", nil, false
	}
	for _, mimeType := range cfg.MIMETypes() {
		if strings.Contains(accept, mimeType) {
			return mimeType, cfg.ContentTypes[mimeType], true
		}
	}
	return "", nil, false
}

// DetermineFromPath resolves a content type from the request path. A last
// segment without a dot means HTML; otherwise the extension is matched
// against each content type's extension list.
func (cfg *Config) DetermineFromPath(path string) (string, *ContentTypeConfig, bool) {
	lastSegment := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		lastSegment = path[idx+1:]
	}
	if !strings.Contains(lastSegment, ".") {
		if ct, ok := cfg.ContentTypes[MIMETypeHTML]; ok {
			return MIMETypeHTML, ct, true
		}
		return "", nil, false
	}
	ext := strings.ToLower(lastSegment[strings.LastIndex(lastSegment, ".")+1:])
	for _, mimeType := range cfg.MIMETypes() {
		ct := cfg.ContentTypes[mimeType]
		for _, e := range ct.Extensions {
			if e == ext {
				return mimeType, ct, true
			}
		}
	}
	return "", nil, false
}
