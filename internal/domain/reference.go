// Package domain holds the value types shared between the control plane
// and the in-guest agent: the container image reference.
package domain

import (
	"fmt"
	"strings"
)

const (
	defaultRegistry = "registry-1.docker.io"
	defaultTag      = "latest"
)

// Reference identifies a container image: a registry host, a repository
// path, and either a tag or a content digest. Parsed once at provisioning
// time and treated as immutable afterward, mirroring oci-spec's
// distribution::Reference used by the original supervisor.
type Reference struct {
	Registry   string
	Repository string
	Tag        string // empty when Digest is set
	Digest     string // "sha256:...", empty when Tag is set
}

// String renders the reference back into its canonical form.
func (r Reference) String() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s@%s", r.Registry, r.Repository, r.Digest)
	}
	return fmt.Sprintf("%s/%s:%s", r.Registry, r.Repository, r.Tag)
}

// ParseReference parses a container image reference of the shape
// [registry/]repository[:tag|@digest]. Bare repositories (no registry
// component, i.e. no dot or colon before the first slash) default to
// docker.io and are expanded with the "library/" prefix the way the
// Docker Hub registry does for official images. A reference with neither
// tag nor digest defaults to ":latest".
func ParseReference(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("domain: empty image reference")
	}

	ref := Reference{Registry: defaultRegistry}
	rest := raw

	if i := strings.Index(rest, "/"); i >= 0 {
		candidate := rest[:i]
		if looksLikeRegistry(candidate) {
			ref.Registry = candidate
			rest = rest[i+1:]
		}
	}

	// Digest takes priority if both separators somehow appear; split on
	// "@" first since digests may contain ":" themselves.
	if i := strings.Index(rest, "@"); i >= 0 {
		ref.Repository = rest[:i]
		ref.Digest = rest[i+1:]
		if !strings.HasPrefix(ref.Digest, "sha256:") && !strings.Contains(ref.Digest, ":") {
			return Reference{}, fmt.Errorf("domain: invalid digest %q", ref.Digest)
		}
	} else if i := strings.LastIndex(rest, ":"); i >= 0 {
		ref.Repository = rest[:i]
		ref.Tag = rest[i+1:]
	} else {
		ref.Repository = rest
		ref.Tag = defaultTag
	}

	if ref.Repository == "" {
		return Reference{}, fmt.Errorf("domain: invalid image reference %q", raw)
	}
	if ref.Registry == defaultRegistry && !strings.Contains(ref.Repository, "/") {
		ref.Repository = "library/" + ref.Repository
	}
	if !validRepository(ref.Repository) {
		return Reference{}, fmt.Errorf("domain: invalid repository path %q", ref.Repository)
	}

	return ref, nil
}

// looksLikeRegistry distinguishes "docker.io/foo" from "foo/bar" by the
// same heuristic the distribution spec uses: a registry component
// contains a dot, a colon (port), or is literally "localhost".
func looksLikeRegistry(s string) bool {
	return s == "localhost" || strings.ContainsAny(s, ".:")
}

func validRepository(repo string) bool {
	if repo == "" || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return false
	}
	for _, seg := range strings.Split(repo, "/") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.') {
				return false
			}
		}
	}
	return true
}
