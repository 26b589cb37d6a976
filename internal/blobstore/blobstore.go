// Package blobstore implements the BlobStore adapter (C2): a thin wrapper
// that stores generated bytes and returns a durable URL. The concrete
// implementation here is filesystem-rooted, mirroring the
// pipelines/{userId}/{pipelineId}/... path layout; a production deployment
// swaps in an object-storage-backed BlobStore without touching callers.
package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore is the external interface named in the orchestration spec.
type BlobStore interface {
	PutBytes(ctx context.Context, path string, data []byte, mime string) (string, error)
	PutBase64(ctx context.Context, path string, b64 string, mime string) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// FilesystemStore roots every path under a local directory and returns URLs
// built from the configured baseURL plus the relative path. Paths must include the owning
// userId and pipelineId as prefix segments, per the adapter contract.
type FilesystemStore struct {
	root    string
	baseURL string
}

// New returns a FilesystemStore rooted at root. baseURL is prefixed to the
// relative path to build the durable URL returned to callers (e.g. an
// "http://localhost:8080/blobs" mount point served alongside the API).
func New(root, baseURL string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FilesystemStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *FilesystemStore) resolve(path string) (string, error) {
	clean := filepath.Clean(strings.TrimLeft(path, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

// PutBytes writes data under path and returns a durable URL. mime is
// accepted for interface compatibility but is neither stored nor
// interpreted; Get returns only the bytes.
func (s *FilesystemStore) PutBytes(ctx context.Context, path string, data []byte, mime string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	return s.baseURL + "/" + path, nil
}

// PutBase64 decodes b64 and delegates to PutBytes.
func (s *FilesystemStore) PutBase64(ctx context.Context, path string, b64 string, mime string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode base64 blob: %w", err)
	}
	return s.PutBytes(ctx, path, data, mime)
}

// Get reads back bytes previously stored at path.
func (s *FilesystemStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// ContentType maps a mesh/texture format to the MIME type the blob layout
// prescribes.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "glb":
		return "model/gltf-binary"
	case "fbx", "stl":
		return "application/octet-stream"
	case "obj":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// MeshPath builds the blob path for a stored final mesh artifact.
func MeshPath(userID, pipelineID, format string) string {
	return fmt.Sprintf("pipelines/%s/%s/mesh.%s", userID, pipelineID, format)
}

// TexturedModelPath builds the blob path for the retextured glb.
func TexturedModelPath(userID, pipelineID string) string {
	return fmt.Sprintf("pipelines/%s/%s/textured.glb", userID, pipelineID)
}

// MeshViewPath builds the blob path for one angle's stored view image.
func MeshViewPath(userID, pipelineID, angle, ext string) string {
	return fmt.Sprintf("pipelines/%s/%s/mesh_%s.%s", userID, pipelineID, angle, ext)
}

// TextureViewPath builds the blob path for one angle's stored texture image.
func TextureViewPath(userID, pipelineID, angle, ext string) string {
	return fmt.Sprintf("pipelines/%s/%s/texture_%s.%s", userID, pipelineID, angle, ext)
}

var _ BlobStore = (*FilesystemStore)(nil)
