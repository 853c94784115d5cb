// Package git records the source revision an evaluation ran from.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// IsGitRepo checks if dir is inside a git work tree
func IsGitRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// HeadCommit returns the commit hash of HEAD in dir
func HeadCommit(dir string) (string, error) {
	return revParse(dir, "HEAD")
}

// HasUncommittedChanges checks if the work tree in dir has uncommitted changes
func HasUncommittedChanges(dir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("failed to check status: %w", err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// Revision describes the state of dir as HEAD's hash, suffixed with
// "-dirty" when there are uncommitted changes. Outside a repository it
// returns "".
func Revision(dir string) (string, error) {
	if !IsGitRepo(dir) {
		return "", nil
	}
	head, err := HeadCommit(dir)
	if err != nil {
		return "", err
	}
	dirty, err := HasUncommittedChanges(dir)
	if err != nil {
		return "", err
	}
	if dirty {
		head += "-dirty"
	}
	return head, nil
}

func revParse(dir, rev string) (string, error) {
	cmd := exec.Command("git", "rev-parse", rev)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", rev, err)
	}
	return strings.TrimSpace(string(output)), nil
}
