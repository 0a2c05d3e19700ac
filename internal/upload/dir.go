package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/companyzero/voicenote/internal/audio"
	"github.com/companyzero/voicenote/internal/jsonfile"
	"github.com/decred/slog"
)

// metaSuffix is the suffix of the metadata file stored next to each blob.
const metaSuffix = ".meta.json"

// DirGateway stores blobs in a local directory. Each blob is accompanied by
// a json metadata file.
type DirGateway struct {
	root   string
	prefix string
	log    slog.Logger
}

// NewDirGateway creates a gateway that stores blobs under root.
func NewDirGateway(root, prefix string, log slog.Logger) (*DirGateway, error) {
	if log == nil {
		log = slog.Disabled
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("unable to create upload dir: %w", err)
	}
	return &DirGateway{root: root, prefix: prefix, log: log}, nil
}

// fileURL returns the file:// URL for a local path.
func fileURL(fname string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(fname)}).String()
}

// Upload is part of the Gateway interface.
func (g *DirGateway) Upload(ctx context.Context, blob audio.Blob, ownerID string) (string, error) {
	if err := checkArgs(blob, ownerID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &Error{Err: err}
	}

	key := ObjectKey(g.prefix, ownerID, blob.Type)
	fname := filepath.Join(g.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
		return "", &Error{Key: key, Err: err}
	}
	if err := os.WriteFile(fname, blob.Data, 0o600); err != nil {
		return "", &Error{Key: key, Err: err}
	}

	hash := sha256.Sum256(blob.Data)
	meta := Metadata{
		Key:         key,
		OwnerID:     ownerID,
		ContentType: blob.Type,
		Size:        len(blob.Data),
		SHA256:      hex.EncodeToString(hash[:]),
		UploadedAt:  time.Now().Unix(),
	}
	if err := jsonfile.Write(fname+metaSuffix, &meta, g.log); err != nil {
		if rmErr := jsonfile.RemoveIfExists(fname); rmErr != nil {
			g.log.Warnf("Unable to remove %s after failure: %v", fname, rmErr)
		}
		return "", &Error{Key: key, Err: err}
	}

	g.log.Debugf("Stored %d bytes of %s for %s at %s", len(blob.Data),
		blob.Type, ownerID, fname)
	return fileURL(fname), nil
}

// ReadMetadata reads the metadata of a blob stored by a DirGateway, given the
// blob's path.
func ReadMetadata(fname string) (Metadata, error) {
	var meta Metadata
	err := jsonfile.Read(fname+metaSuffix, &meta)
	return meta, err
}
