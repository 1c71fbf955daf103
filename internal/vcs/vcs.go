// Package vcs reports the git working-tree status embedded in
// session.info (spec §4.4's session-state fields), computed by diffing
// each modified file's working-tree content against its indexed blob.
package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Status summarizes a working directory's git state at the moment
// session.get or session.info ran; it is never cached, since the
// tree can change between calls.
type Status struct {
	Branch       string `json:"branch,omitempty"`
	Dirty        bool   `json:"dirty"`
	FilesChanged int    `json:"files_changed"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
}

// DescribeWorkingTree returns workDir's git status, or a zero Status if
// workDir is not inside a git repository.
func DescribeWorkingTree(workDir string) Status {
	gitDir := findGitDir(workDir)
	if gitDir == "" {
		return Status{}
	}

	status := Status{Branch: getCurrentBranch(workDir)}

	files := modifiedFiles(workDir)
	status.FilesChanged = len(files)
	status.Dirty = len(files) > 0

	for _, f := range files {
		add, del := fileDiffStats(workDir, f)
		status.Additions += add
		status.Deletions += del
	}

	return status
}

func findGitDir(workDir string) string {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}

	gitDir := strings.TrimSpace(string(out))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workDir, gitDir)
	}
	return gitDir
}

func getCurrentBranch(workDir string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// modifiedFiles lists paths with uncommitted changes, tracked or
// untracked, relative to workDir.
func modifiedFiles(workDir string) []string {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return nil
	}

	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		files = append(files, strings.TrimSpace(line[3:]))
	}
	return files
}

// fileDiffStats diffs path's working-tree content against its indexed
// blob (empty string for untracked files) using a line-based
// diffmatchpatch comparison, counting added/removed lines.
func fileDiffStats(workDir, path string) (additions, deletions int) {
	before := indexedContent(workDir, path)
	after := workingTreeContent(workDir, path)

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return additions, deletions
}

func indexedContent(workDir, path string) string {
	cmd := exec.Command("git", "show", ":"+path)
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func workingTreeContent(workDir, path string) string {
	data, err := os.ReadFile(filepath.Join(workDir, path))
	if err != nil {
		return ""
	}
	return string(data)
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
