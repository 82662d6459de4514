package models

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

var (
	mimeExtMap = map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".txt":  "text/plain",
		".log":  "text/plain",
		".md":   "text/markdown",
		".csv":  "text/csv",
		".json": "application/json",
		".yaml": "application/x-yaml",
		".yml":  "application/x-yaml",
		".xml":  "application/xml",
		".pdf":  "application/pdf",
	}

	mimeAliasMap = map[string]string{
		"image/jpg":   "image/jpeg",
		"image/pjpeg": "image/jpeg",
		"image/x-png": "image/png",
	}
)

// normalizeMIME fixes alias or malformed MIME types and falls back to the
// file extension.
func normalizeMIME(name, m string) string {
	raw := strings.ToLower(strings.TrimSpace(m))
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if alias, ok := mimeAliasMap[raw]; ok {
		return alias
	}
	if raw != "" && strings.Contains(raw, "/") && !strings.HasSuffix(raw, "/") {
		return raw
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return raw
	}
	if mt, ok := mimeExtMap[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.IndexByte(mt, ';'); i >= 0 {
			mt = mt[:i]
		}
		return strings.TrimSpace(mt)
	}
	return raw
}

func isTextMIME(m string) bool {
	if strings.HasPrefix(m, "text/") {
		return true
	}
	switch m {
	case "application/json", "application/xml", "application/x-yaml", "application/yaml":
		return true
	}
	return false
}

func isImageMIME(m string) bool {
	switch m {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
		return true
	}
	return false
}

// splitFiles separates attachments that can be inlined as text from images a
// multimodal provider can take natively.
func splitFiles(files []File) (text, images []File) {
	for _, f := range files {
		mt := normalizeMIME(f.Name, f.MIME)
		f.MIME = mt
		switch {
		case isImageMIME(mt):
			images = append(images, f)
		default:
			text = append(text, f)
		}
	}
	return text, images
}

// combinePromptWithFiles inlines text attachments and references the rest by name.
func combinePromptWithFiles(base string, files []File) string {
	if len(files) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\n---\nATTACHMENTS BEGIN\n")
	for i, f := range files {
		title := strings.TrimSpace(f.Name)
		if title == "" {
			title = fmt.Sprintf("file_%d", i+1)
		}
		mt := normalizeMIME(f.Name, f.MIME)
		if isTextMIME(mt) && len(f.Data) > 0 {
			fmt.Fprintf(&b, "\n<<<FILE %s [%s]>>>:\n", title, mt)
			b.Write(f.Data)
			fmt.Fprintf(&b, "\n<<<END FILE %s>>>\n", title)
			continue
		}
		fmt.Fprintf(&b, "\n[Attachment] %s", title)
		if mt != "" {
			fmt.Fprintf(&b, " (%s)", mt)
		}
		b.WriteString("\n")
	}
	b.WriteString("ATTACHMENTS END\n---\n")
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
