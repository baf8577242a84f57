package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"mint-pipeline/internal/config"
)

// Store is a content-addressed blob store. Upload returns the content id.
type Store interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
	// URI is the durable reference embedded in metadata and on chain.
	URI(cid string) string
	// URL is an HTTP address the content can be fetched from.
	URL(cid string) string
}

// New picks the content backend named in cfg.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.ContentBackend {
	case "local", "":
		return NewFileStore(cfg.ContentDir, cfg.ContentBaseURL)
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Store(client, cfg.S3Bucket, cfg.ContentBaseURL), nil
	case "kubo":
		return NewKuboStore(cfg.KuboAPIURL, cfg.IPFSGatewayURL, nil), nil
	default:
		return nil, fmt.Errorf("unknown content backend %q", cfg.ContentBackend)
	}
}

// Digest returns the sha256 hex digest used as content id by the non-IPFS backends.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentTypeFor derives the MIME type of an upload from its file name.
func ContentTypeFor(filename string) string {
	format, err := imaging.FormatFromFilename(filename)
	if err != nil {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".json":
			return "application/json"
		case ".mp4":
			return "video/mp4"
		case ".mp3":
			return "audio/mpeg"
		case ".webp":
			return "image/webp"
		case ".svg":
			return "image/svg+xml"
		}
		return "application/octet-stream"
	}
	return mimeForFormat(format)
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	case imaging.BMP:
		return "image/bmp"
	default:
		return "image/jpeg"
	}
}

func joinURL(base, cid string) string {
	return strings.TrimRight(base, "/") + "/" + cid
}
