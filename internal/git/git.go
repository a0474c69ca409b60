// Package git reads repository facts for sessions.
//
// Sessions run inside worktrees the user already manages; this package
// only asks git about them, it never mutates anything.
package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// CurrentBranch returns the branch checked out in dir. On a detached
// HEAD it falls back to the short commit hash.
func CurrentBranch(dir string) (string, error) {
	cmd := exec.Command("git", "symbolic-ref", "--short", "HEAD")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err == nil {
		return strings.TrimSpace(string(output)), nil
	}

	cmd = exec.Command("git", "rev-parse", "--short", "HEAD")
	cmd.Dir = dir
	output, err = cmd.Output()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// RepoName returns a human name for the repository containing dir,
// from the origin remote when present, else the toplevel directory
// name.
func RepoName(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not in a git repository: %w", err)
	}
	repoPath := strings.TrimSpace(string(output))

	cmd = exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = repoPath
	output, err = cmd.Output()
	if err == nil {
		if name := extractRepoName(strings.TrimSpace(string(output))); name != "" {
			return name, nil
		}
	}
	return filepath.Base(repoPath), nil
}

// extractRepoName pulls "owner/repo" out of an HTTPS or SSH remote URL.
func extractRepoName(url string) string {
	url = strings.TrimSuffix(url, ".git")

	if strings.HasPrefix(url, "https://") || strings.HasPrefix(url, "http://") {
		parts := strings.Split(url, "/")
		if len(parts) >= 2 {
			return parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
	}

	// SSH form: git@host:owner/repo
	if strings.Contains(url, ":") {
		parts := strings.Split(url, ":")
		if len(parts) >= 2 {
			return parts[len(parts)-1]
		}
	}

	return ""
}
