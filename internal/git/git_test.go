package git

import (
	"testing"

	"github.com/pders01/ckpt-eval/internal/testutil"
)

func TestRevisionClean(t *testing.T) {
	repo := testutil.NewTempGitRepo(t)

	rev, err := Revision(repo.Path)
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev != repo.Head() {
		t.Errorf("expected %s, got %s", repo.Head(), rev)
	}
}

func TestRevisionDirty(t *testing.T) {
	repo := testutil.NewTempGitRepo(t)
	repo.CreateFile("train.py", "print('x')\n")

	rev, err := Revision(repo.Path)
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev != repo.Head()+"-dirty" {
		t.Errorf("expected dirty revision, got %s", rev)
	}
}

func TestRevisionOutsideRepo(t *testing.T) {
	testutil.NewTempGitRepo(t) // skips without git

	rev, err := Revision(t.TempDir())
	if err != nil {
		t.Fatalf("Revision failed: %v", err)
	}
	if rev != "" {
		t.Errorf("expected no revision, got %s", rev)
	}
}

func TestHeadCommitAfterCommit(t *testing.T) {
	repo := testutil.NewTempGitRepo(t)
	first := repo.Head()
	repo.CreateFile("notes/eval.md", "epoch 20 looks best\n")
	repo.Commit("Add notes")

	head, err := HeadCommit(repo.Path)
	if err != nil {
		t.Fatalf("HeadCommit failed: %v", err)
	}
	if head == first || head != repo.Head() {
		t.Errorf("unexpected head %s (first %s)", head, first)
	}
}
