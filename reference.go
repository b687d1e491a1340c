package websim

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const referenceMaterialsHeader = "## Reference materials\n\n"

// BuildReferenceMaterials collects previously generated content related to a
// request, so that new generations stay consistent with what the simulated
// site has already served. Sections are appended in order: the referer page,
// the base page for query variations, every parent path top-down, and for
// POST requests the raw body.
func BuildReferenceMaterials(ctx context.Context, cache *Cache, logger *slog.Logger, referer, path, query, method, body string) string {
	var sb strings.Builder

	if referer != "" {
		if refererURL, err := url.Parse(referer); err == nil {
			refererPath := NormalizePath(refererURL.Path)
			if content, ok, err := cache.Get(ctx, refererPath, refererURL.RawQuery); err == nil && ok {
				sb.WriteString("### ")
				sb.WriteString(refererPath)
				sb.WriteString("\n\n")
				sb.WriteString(content)
				logger.InfoContext(ctx, "loaded referer content from cache", "referer", refererPath)
			}
		}
	}

	// e.g. for /apples?color=green, include /apples if available
	if query != "" {
		if content, ok, err := cache.Get(ctx, path, ""); err == nil && ok {
			if sb.Len() > 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString(referenceMaterialsHeader)
			}
			sb.WriteString("### ")
			sb.WriteString(path)
			sb.WriteString(" (base page)\n\n")
			sb.WriteString(content)
			logger.InfoContext(ctx, "loaded base page content from cache", "path", path)
		}
	}

	// e.g. for /articles/2023/why-i-write, include /articles and /articles/2023
	segments := strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
	for i := 1; i < len(segments); i++ {
		parentPath := "/" + strings.Join(segments[:i], "/")
		content, ok, err := cache.Get(ctx, parentPath, "")
		if err != nil || !ok {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		} else {
			sb.WriteString(referenceMaterialsHeader)
		}
		sb.WriteString("### ")
		sb.WriteString(parentPath)
		sb.WriteString(" (parent)\n\n")
		sb.WriteString(content)
		logger.InfoContext(ctx, "loaded parent path content from cache", "parent_path", parentPath)
	}

	if method == http.MethodPost && body != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## Request Body\n\n")
		sb.WriteString(body)
	}

	return sb.String()
}
