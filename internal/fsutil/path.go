package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

var ErrPathEscape = errors.New("path escapes data root")

// JoinSecure joins root and requestPath, guaranteeing the result stays under
// root even in the presence of ".." segments and symlinks. Returns
// ErrPathEscape when the resolved path would land outside root.
func JoinSecure(root, requestPath string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	// Treat the request as absolute inside the root so Clean strips any
	// leading ".." before we start walking.
	rel := strings.TrimPrefix(filepath.Clean("/"+requestPath), "/")

	cur := rootAbs
	for _, seg := range segments(rel) {
		cur = filepath.Join(cur, seg)
		fi, err := os.Lstat(cur)
		if err != nil {
			// Component does not exist yet; containment still applies.
			if !within(rootAbs, cur) {
				return "", ErrPathEscape
			}
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			target, err = filepath.Abs(target)
			if err != nil {
				return "", err
			}
			if !within(rootAbs, target) {
				return "", ErrPathEscape
			}
			cur = target
		}
		if !within(rootAbs, cur) {
			return "", ErrPathEscape
		}
	}
	return cur, nil
}

func within(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == path {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path+string(filepath.Separator), root)
}

func segments(p string) []string {
	cleaned := filepath.Clean(p)
	if cleaned == "." || cleaned == string(filepath.Separator) {
		return nil
	}
	var out []string
	for _, s := range strings.Split(cleaned, string(filepath.Separator)) {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
