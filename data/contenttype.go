package data

import (
	"path/filepath"
	"strings"
)

type ContentType string

const (
	ContentTypeTextPlain         = "text/plain"
	ContentTypeTextHTML          = "text/html"
	ContentTypeTextCSS           = "text/css"
	ContentTypeTextJavaScript    = "text/javascript"
	ContentTypeTextCSV           = "text/csv"
	ContentTypeImageJPEG         = "image/jpeg"
	ContentTypeImagePNG          = "image/png"
	ContentTypeImageGIF          = "image/gif"
	ContentTypeImageSVGXML       = "image/svg+xml"
	ContentTypeVideoMP4          = "video/mp4"
	ContentTypeApplicationPDF    = "application/pdf"
	ContentTypeApplicationZip    = "application/zip"
	ContentTypeApplicationGZip   = "application/gzip"
	ContentTypeApplicationJson   = "application/json"
	ContentTypeApplicationXML    = "application/xml"
	ContentTypeApplicationYAML   = "application/yaml"
	ContentTypeApplicationStream = "application/octet-stream"
)

// ExtensionToMIME maps file extensions to MIME types
var ExtensionToMIME = map[string]ContentType{
	".txt":  ContentTypeTextPlain,
	".html": ContentTypeTextHTML,
	".css":  ContentTypeTextCSS,
	".js":   ContentTypeTextJavaScript,
	".csv":  ContentTypeTextCSV,
	".jpg":  ContentTypeImageJPEG,
	".jpeg": ContentTypeImageJPEG,
	".png":  ContentTypeImagePNG,
	".gif":  ContentTypeImageGIF,
	".svg":  ContentTypeImageSVGXML,
	".mp4":  ContentTypeVideoMP4,
	".pdf":  ContentTypeApplicationPDF,
	".zip":  ContentTypeApplicationZip,
	".gz":   ContentTypeApplicationGZip,
	".json": ContentTypeApplicationJson,
	".xml":  ContentTypeApplicationXML,
	".yaml": ContentTypeApplicationYAML,
	".yml":  ContentTypeApplicationYAML,
}

// DetectContentType resolves the MIME type for a virtual path based
// on its extension, falling back to application/octet-stream.
func DetectContentType(path string) ContentType {
	ext := strings.ToLower(filepath.Ext(path))

	if mime, exists := ExtensionToMIME[ext]; exists {
		return mime
	}

	return ContentTypeApplicationStream
}
