package release

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitTagger tags component repositories through their local checkouts under
// the build work directory, then pushes the tag to origin.
type GitTagger struct {
	// WorkDir is the build work directory holding src/<component> checkouts.
	WorkDir string

	// Git is the git binary. Defaults to "git".
	Git string

	// Push disables pushing the tag when false, which keeps tests and dry
	// runs local.
	Push bool
}

func (t *GitTagger) git() string {
	if t.Git != "" {
		return t.Git
	}
	return "git"
}

func (t *GitTagger) repoDir(repo Repo) string {
	return filepath.Join(t.WorkDir, "src", repo.Name)
}

// Tag creates an annotated tag in the component checkout. Re-tagging the
// same commit with the same name is treated as already done.
func (t *GitTagger) Tag(ctx context.Context, repo Repo, tag string) error {
	dir := t.repoDir(repo)

	cmd := exec.CommandContext(ctx, t.git(), "tag", "-a", tag, "-m", "release "+tag)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "already exists") {
			return nil
		}
		return fmt.Errorf("git tag in %q: %w: %s", repo.Name, err, strings.TrimSpace(string(out)))
	}

	if !t.Push {
		return nil
	}
	cmd = exec.CommandContext(ctx, t.git(), "push", "origin", tag)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push tag in %q: %w: %s", repo.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// GitLog reads commit subjects from local checkouts for changelog
// aggregation.
type GitLog struct {
	WorkDir string
	Git     string
}

func (l *GitLog) git() string {
	if l.Git != "" {
		return l.Git
	}
	return "git"
}

// Commits lists subjects in fromRef..toRef, newest first. An empty fromRef
// lists the full history up to toRef.
func (l *GitLog) Commits(ctx context.Context, repo Repo, fromRef, toRef string) ([]string, error) {
	rangeSpec := toRef
	if fromRef != "" {
		rangeSpec = fromRef + ".." + toRef
	}
	cmd := exec.CommandContext(ctx, l.git(), "log", "--format=%s", rangeSpec)
	cmd.Dir = filepath.Join(l.WorkDir, "src", repo.Name)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git log in %q: %w", repo.Name, err)
	}
	var commits []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			commits = append(commits, line)
		}
	}
	return commits, nil
}
