package delivery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	pendingImagesDirName = "pending-images"
	localRefScheme       = "file://"
)

// ImageStore persists outbound images to a durable app-private directory
// before upload, so a send attempt survives process restarts. A local
// reference uses the file:// scheme; anything else is a remote reference.
type ImageStore struct {
	dir string
}

// NewImageStore creates (if needed) the pending-images directory under dataDir.
func NewImageStore(dataDir string) (*ImageStore, error) {
	dir := filepath.Join(dataDir, pendingImagesDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create pending images directory: %w", err)
	}
	return &ImageStore{dir: dir}, nil
}

// IsLocalRef reports whether an image reference points at local pending
// storage rather than the server.
func IsLocalRef(ref string) bool {
	return strings.HasPrefix(ref, localRefScheme)
}

// SavePending writes image bytes to durable local storage and returns the
// file:// reference to record on the pending message.
func (s *ImageStore) SavePending(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("image data is empty")
	}

	path := filepath.Join(s.dir, "pending_"+uuid.NewString()+".jpg")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write pending image: %w", err)
	}
	return localRefScheme + filepath.ToSlash(path), nil
}

// Load reads the bytes behind a local reference.
func (s *ImageStore) Load(localRef string) ([]byte, error) {
	path, err := localPath(localRef)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pending image %q: %w", localRef, err)
	}
	return data, nil
}

// Remove deletes the file behind a local reference. Missing files are not an
// error; the upload already rendered them redundant.
func (s *ImageStore) Remove(localRef string) error {
	path, err := localPath(localRef)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pending image %q: %w", localRef, err)
	}
	return nil
}

func localPath(ref string) (string, error) {
	if !IsLocalRef(ref) {
		return "", fmt.Errorf("not a local image reference: %q", ref)
	}
	return filepath.FromSlash(strings.TrimPrefix(ref, localRefScheme)), nil
}
