package arbiter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
)

// MountLister lists the mounted filesystems of this process.
type MountLister func() ([]*procfs.MountInfo, error)

// WitnessLocator resolves the witness token path from the current mount
// table. MountedStore asks it again on every access.
type WitnessLocator struct {
	Mount     string // mount source (e.g. nfs:/export/ha) or mount point prefix
	Subdir    string
	ClusterID string
	Mounts    MountLister // default procfs.GetMounts
}

// Path returns <mountRoot>/<subdir>/<clusterID>.token.
func (l WitnessLocator) Path() (string, error) {
	list := l.Mounts
	if list == nil {
		list = procfs.GetMounts
	}
	mounts, err := list()
	if err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}

	root, err := ResolveMountRoot(mounts, l.Mount)
	if err != nil {
		return "", err
	}
	return WitnessPath(root, l.Subdir, l.ClusterID), nil
}

// WitnessPath joins the witness token path.
func WitnessPath(mountRoot, subdir, clusterID string) string {
	return filepath.Join(mountRoot, subdir, clusterID+".token")
}

// ResolveMountRoot finds the mount point for spec. A mount whose source equals
// spec wins; otherwise spec is taken as a path and the longest mount point
// containing it is used. The root filesystem never matches a path.
func ResolveMountRoot(mounts []*procfs.MountInfo, spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("%w: empty mount spec", ErrMountNotFound)
	}

	for _, m := range mounts {
		if m.Source == spec {
			return m.MountPoint, nil
		}
	}

	best := ""
	for _, m := range mounts {
		if m.MountPoint == "/" && spec != "/" {
			continue
		}
		if isPathPrefix(m.MountPoint, spec) && len(m.MountPoint) > len(best) {
			best = m.MountPoint
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: %s", ErrMountNotFound, spec)
	}
	return best, nil
}

// isPathPrefix reports whether dir contains path.
func isPathPrefix(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}
