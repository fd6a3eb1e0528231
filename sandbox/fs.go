package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pithecene-io/kilnbox/types"
)

// CheckPath normalizes path against the workspace and decides access.
// mode is the access being attempted, types.FSRead or types.FSWrite.
// Returns the fully resolved path on success. Traversal outside the
// containment roots is always rejected.
func (g *Guard) CheckPath(path string, mode types.FSMode) (string, error) {
	action := string(mode)

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(g.cwd, target)
	}
	resolved, err := resolveExisting(filepath.Clean(target))
	if err != nil {
		return "", g.deny("fs", action, path, fmt.Sprintf("cannot resolve path: %v", err))
	}

	root := g.containingRoot(resolved)
	if root == "" {
		return "", g.deny("fs", action, path, "path escapes the workspace")
	}

	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", g.deny("fs", action, path, "path escapes the workspace")
	}
	relTarget := filepath.ToSlash(rel)

	// Deny wins over any allow.
	for _, d := range g.perms.FS.Deny {
		if ok, _ := doublestar.Match(d, relTarget); ok {
			return "", g.deny("fs", action, path,
				fmt.Sprintf("path matches deny pattern %q", d))
		}
	}

	reason := ""
	switch g.perms.FS.Mode {
	case types.FSNone:
		reason = "filesystem access is not declared"
	case types.FSRead:
		if mode == types.FSWrite {
			reason = "write access requires fs mode write"
		}
	case types.FSWrite:
	default:
		reason = fmt.Sprintf("unknown fs mode %q", g.perms.FS.Mode)
	}

	if reason == "" && len(g.perms.FS.Allow) > 0 {
		matched := false
		for _, a := range g.perms.FS.Allow {
			if ok, _ := doublestar.Match(a, relTarget); ok {
				matched = true
				break
			}
		}
		if !matched {
			reason = "path matches no allow pattern"
		}
	}

	if reason != "" {
		return "", g.deny("fs", action, path, reason)
	}
	return resolved, nil
}

// containingRoot returns the containment root holding path, or "".
func (g *Guard) containingRoot(path string) string {
	if within(path, g.cwd) {
		return g.cwd
	}
	if g.outDir != "" && within(path, g.outDir) {
		return g.outDir
	}
	for _, root := range g.roots {
		if within(path, root) {
			return root
		}
	}
	return ""
}

// within reports whether path is root or inside it.
func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting resolves symlinks for the longest existing prefix of
// path and rejoins the remainder, so write targets that do not exist yet
// still resolve deterministically.
func resolveExisting(path string) (string, error) {
	suffix := ""
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if suffix == "" {
				return resolved, nil
			}
			return filepath.Join(resolved, suffix), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}
