package assemble

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"draftforge/internal/trace"
)

// ResolvedKind tags what an asset resolved to.
type ResolvedKind string

const (
	// KindText is an inline text excerpt.
	KindText ResolvedKind = "text"
	// KindImage is an image reference: a remote URL or an inline data URL.
	KindImage ResolvedKind = "image"
	// KindFile is a remote non-image reference the model can be told about.
	KindFile ResolvedKind = "file"
	// KindOpaque is an unreadable asset; the model judges it by title and
	// metadata alone.
	KindOpaque ResolvedKind = "opaque"
)

// ResolvedAsset is the tagged union the assembler hands to prompt building.
// Exactly one of Text / URL is meaningful depending on Kind; Placeholder is
// set for KindOpaque.
type ResolvedAsset struct {
	Kind        ResolvedKind
	Title       string
	MIMEType    string
	Text        string
	URL         string
	Placeholder string
}

// Resolver turns a stored asset into model-consumable content. The
// assembler branches only on the resolved kind, never on the storage
// backend.
type Resolver interface {
	Resolve(ctx context.Context, asset *trace.Asset) ResolvedAsset
}

// FileResolver resolves remote references directly and falls back to the
// local filesystem, inlining small images and text-like files.
type FileResolver struct {
	// InlineImageLimit caps local images embedded as base64 data URLs.
	InlineImageLimit int
	// InlineTextLimit caps local text-like files embedded as excerpts.
	InlineTextLimit int
}

// NewFileResolver applies default ceilings for zero fields.
func NewFileResolver(inlineImageLimit, inlineTextLimit int) *FileResolver {
	if inlineImageLimit <= 0 {
		inlineImageLimit = 2 << 20
	}
	if inlineTextLimit <= 0 {
		inlineTextLimit = 64 << 10
	}
	return &FileResolver{InlineImageLimit: inlineImageLimit, InlineTextLimit: inlineTextLimit}
}

func isImageMIME(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// textLikeMIMEs are media types safe to excerpt as plain text.
func isTextLikeMIME(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/x-yaml",
		"application/yaml", "application/csv":
		return true
	}
	return false
}

func opaque(asset *trace.Asset, reason string) ResolvedAsset {
	return ResolvedAsset{
		Kind:     KindOpaque,
		Title:    asset.Title,
		MIMEType: asset.MIMEType,
		Placeholder: fmt.Sprintf("[asset %q (%s) could not be read: %s; judge it by its title and metadata]",
			asset.Title, asset.MIMEType, reason),
	}
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(_ context.Context, asset *trace.Asset) ResolvedAsset {
	// Remote references win: images become image parts, everything else a
	// generic file reference.
	if asset.RemoteURL != "" {
		kind := KindFile
		if isImageMIME(asset.MIMEType) {
			kind = KindImage
		}
		return ResolvedAsset{Kind: kind, Title: asset.Title, MIMEType: asset.MIMEType, URL: asset.RemoteURL}
	}

	if asset.LocalPath == "" {
		return opaque(asset, "no reference available")
	}

	info, err := os.Stat(asset.LocalPath)
	if err != nil {
		return opaque(asset, "file not accessible")
	}

	switch {
	case isImageMIME(asset.MIMEType):
		if info.Size() > int64(r.InlineImageLimit) {
			return opaque(asset, "image exceeds the inline size ceiling")
		}
		raw, err := os.ReadFile(asset.LocalPath)
		if err != nil {
			return opaque(asset, "file not readable")
		}
		dataURL := fmt.Sprintf("data:%s;base64,%s", asset.MIMEType, base64.StdEncoding.EncodeToString(raw))
		return ResolvedAsset{Kind: KindImage, Title: asset.Title, MIMEType: asset.MIMEType, URL: dataURL}

	case isTextLikeMIME(asset.MIMEType):
		if info.Size() > int64(r.InlineTextLimit) {
			return opaque(asset, "text exceeds the inline size ceiling")
		}
		raw, err := os.ReadFile(asset.LocalPath)
		if err != nil {
			return opaque(asset, "file not readable")
		}
		text := string(raw)
		if len(text) > r.InlineTextLimit {
			cut := r.InlineTextLimit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut]
		}
		return ResolvedAsset{Kind: KindText, Title: asset.Title, MIMEType: asset.MIMEType, Text: text}

	default:
		return opaque(asset, "unsupported media type")
	}
}
