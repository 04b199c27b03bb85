package common

import (
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
)

const Version = "0.3.0"

// GetCommitHash returns the short HEAD hash of the repository containing the
// working directory or the executable. DYNAREC_COMMIT overrides the lookup
// for builds made outside a checkout.
func GetCommitHash() string {
	if h := os.Getenv("DYNAREC_COMMIT"); h != "" {
		return shortHash(h)
	}
	if cwd, err := os.Getwd(); err == nil {
		if hash := computeHashFromPath(cwd); hash != "" {
			return shortHash(hash)
		}
	}
	if exePath, err := os.Executable(); err == nil {
		if hash := computeHashFromPath(filepath.Dir(exePath)); hash != "" {
			return shortHash(hash)
		}
	}
	return "unknown"
}

func BuildVersion() string {
	return Version + "-" + GetCommitHash()
}

func shortHash(h string) string {
	if len(h) >= 8 {
		return h[:8]
	}
	return h
}

func computeHashFromPath(path string) string {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	return head.Hash().String()
}
