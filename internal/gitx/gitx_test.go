package gitx

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit on main.
func initRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	run("add", "README")
	run("commit", "-m", "initial")
	return &Repo{Path: dir}
}

func commitFile(t *testing.T, r *Repo, name, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(r.Path, name), []byte(content), 0o644))
	for _, args := range [][]string{{"add", name}, {"commit", "-m", message}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = r.Path
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestCurrentBranch(t *testing.T) {
	r := initRepo(t)
	branch, err := r.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "main", branch)
}

func TestHeadCommit(t *testing.T) {
	r := initRepo(t)
	sha, err := r.HeadCommit("main")
	require.NoError(t, err)
	assert.Len(t, sha, 40)

	commitFile(t, r, "a.txt", "x", "second")
	sha2, err := r.HeadCommit("main")
	require.NoError(t, err)
	assert.NotEqual(t, sha, sha2)
}

func TestHeadCommitUnknownRef(t *testing.T) {
	r := initRepo(t)
	_, err := r.HeadCommit("does-not-exist")
	require.Error(t, err)
	var gitErr *GitError
	assert.ErrorAs(t, err, &gitErr)
}

func TestListBranches(t *testing.T) {
	r := initRepo(t)
	run := exec.Command("git", "branch", "feature")
	run.Dir = r.Path
	require.NoError(t, run.Run())

	branches, err := r.ListBranches()
	require.NoError(t, err)
	require.Len(t, branches, 2)

	byName := make(map[string]BranchInfo)
	for _, b := range branches {
		byName[b.Name] = b
		assert.NotEmpty(t, b.CommitSHA)
	}
	assert.True(t, byName["main"].IsCurrent)
	assert.False(t, byName["feature"].IsCurrent)
}

func TestMergeBase(t *testing.T) {
	r := initRepo(t)
	base, err := r.HeadCommit("main")
	require.NoError(t, err)

	run := exec.Command("git", "checkout", "-b", "feature")
	run.Dir = r.Path
	require.NoError(t, run.Run())
	commitFile(t, r, "f.txt", "y", "feature work")

	mb, err := r.MergeBase("main", "feature")
	require.NoError(t, err)
	assert.Equal(t, base, mb)
}

func TestResolveGitDir(t *testing.T) {
	r := initRepo(t)

	dir, err := ResolveGitDir(r.Path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Path, ".git"), dir)

	_, err = ResolveGitDir(t.TempDir())
	assert.Error(t, err)
}

func TestResolveGitDirWorktree(t *testing.T) {
	r := initRepo(t)
	wtPath := filepath.Join(t.TempDir(), "wt")

	cmd := exec.Command("git", "worktree", "add", "-b", "wt-branch", wtPath)
	cmd.Dir = r.Path
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git worktree add: %s", out)

	dir, err := ResolveGitDir(wtPath)
	require.NoError(t, err)
	assert.DirExists(t, dir)
}
