package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeloft/backend/internal/core"
)

// deniedEnvVars is the fixed deny-list of credential-bearing variable names
// stripped before env reaches the engine.
var deniedEnvVars = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":         {},
	"AWS_SECRET_ACCESS_KEY":     {},
	"AWS_SESSION_TOKEN":         {},
	"GOOGLE_APPLICATION_CREDENTIALS": {},
	"GITHUB_TOKEN":              {},
	"GITLAB_TOKEN":              {},
	"NPM_TOKEN":                 {},
	"DOCKER_PASSWORD":           {},
	"DATABASE_URL":              {},
	"REDIS_PASSWORD":            {},
	"KUBECONFIG":                {},
	"SSH_AUTH_SOCK":             {},
}

// secretSuffix catches variables named like credentials regardless of prefix.
var secretSuffix = regexp.MustCompile(`(?i)(_TOKEN|_SECRET|_KEY|_PASSWORD|_PASSWD|_CREDENTIALS)$`)

// SanitizeEnv returns a copy of env with denied and secret-suffixed variables
// removed. The input map is never mutated.
func SanitizeEnv(env map[string]string) map[string]string {
	clean := make(map[string]string, len(env))
	for name, value := range env {
		upper := strings.ToUpper(name)
		if _, denied := deniedEnvVars[upper]; denied {
			continue
		}
		if secretSuffix.MatchString(upper) {
			continue
		}
		clean[name] = value
	}
	return clean
}

// MountValidator checks bind mounts against the configured allow and block
// sets before they reach the engine.
type MountValidator struct {
	allowedPrefixes []string
	blockedTargets  []string
}

func NewMountValidator(allowedPrefixes, blockedTargets []string) *MountValidator {
	v := &MountValidator{
		allowedPrefixes: make([]string, 0, len(allowedPrefixes)),
		blockedTargets:  make([]string, 0, len(blockedTargets)),
	}
	for _, p := range allowedPrefixes {
		v.allowedPrefixes = append(v.allowedPrefixes, filepath.Clean(p))
	}
	for _, t := range blockedTargets {
		v.blockedTargets = append(v.blockedTargets, filepath.Clean(t))
	}
	return v
}

// Validate rejects any mount whose resolved source falls outside the allowed
// prefixes or whose target hits the blocked set. Symlinks in existing sources
// are resolved so a link cannot smuggle a path out of the allowed tree.
func (v *MountValidator) Validate(mounts []Mount) error {
	for _, m := range mounts {
		if err := v.validateSource(m.Source); err != nil {
			return err
		}
		if err := v.validateTarget(m.Target); err != nil {
			return err
		}
	}
	return nil
}

func (v *MountValidator) validateSource(source string) error {
	if !filepath.IsAbs(source) {
		return fmt.Errorf("mount source %q not absolute: %w", source, core.ErrInvalidPath)
	}
	resolved := filepath.Clean(source)
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("resolve mount source %q: %w", source, core.ErrInvalidPath)
	}

	for _, prefix := range v.allowedPrefixes {
		if pathWithin(resolved, prefix) {
			return nil
		}
	}
	return fmt.Errorf("mount source %q outside allowed prefixes: %w", source, core.ErrInvalidPath)
}

func (v *MountValidator) validateTarget(target string) error {
	if !filepath.IsAbs(target) {
		return fmt.Errorf("mount target %q not absolute: %w", target, core.ErrInvalidPath)
	}
	cleaned := filepath.Clean(target)
	for _, blocked := range v.blockedTargets {
		if pathWithin(cleaned, blocked) {
			return fmt.Errorf("mount target %q is blocked: %w", target, core.ErrInvalidPath)
		}
	}
	return nil
}

// pathWithin reports whether path equals base or lives under it, respecting
// path component boundaries ("/a/bc" is not within "/a/b").
func pathWithin(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

// ValidateArchivePath rejects archive operations that traverse upward.
// Paths are container-absolute; ".." is checked on the raw path because
// cleaning an absolute path silently swallows the escape.
func ValidateArchivePath(path string) error {
	if path == "" || !strings.HasPrefix(path, "/") {
		return fmt.Errorf("archive path %q not absolute: %w", path, core.ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("archive path %q escapes root: %w", path, core.ErrInvalidPath)
		}
	}
	return nil
}
