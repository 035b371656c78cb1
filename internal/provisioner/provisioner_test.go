package provisioner

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeRequirements(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, requirementsFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write requirements: %v", err)
	}
	return path
}

func TestRequirementsDeclareFindsToken(t *testing.T) {
	dir := t.TempDir()
	path := writeRequirements(t, dir, "# comment\n\npandas==2.0\nstreamlit>=1.30\n")
	ok, err := requirementsDeclare(path, frameworkToken)
	if err != nil {
		t.Fatalf("requirementsDeclare: %v", err)
	}
	if !ok {
		t.Fatal("expected streamlit to be detected")
	}
}

func TestRequirementsDeclareIgnoresCommentsAndBlanks(t *testing.T) {
	dir := t.TempDir()
	path := writeRequirements(t, dir, "# streamlit is mentioned only in a comment\n\npandas==2.0\n")
	ok, err := requirementsDeclare(path, frameworkToken)
	if err != nil {
		t.Fatalf("requirementsDeclare: %v", err)
	}
	if ok {
		t.Fatal("expected comment-only mention to not count")
	}
}

func TestRequirementsDeclareMissingFile(t *testing.T) {
	ok, err := requirementsDeclare(filepath.Join(t.TempDir(), "nope.txt"), frameworkToken)
	if err != nil {
		t.Fatalf("requirementsDeclare: %v", err)
	}
	if ok {
		t.Fatal("expected false for missing file")
	}
}

func TestRequirementsNonEmpty(t *testing.T) {
	blankPath := writeRequirements(t, t.TempDir(), "\n   \n")
	nonEmpty, err := requirementsNonEmpty(blankPath)
	if err != nil {
		t.Fatalf("requirementsNonEmpty: %v", err)
	}
	if nonEmpty {
		t.Fatal("expected whitespace-only file to be considered empty")
	}

	// A comments-only manifest still counts: the install is gated on raw
	// content, not on package lines.
	commentPath := writeRequirements(t, t.TempDir(), "# pinned later\n\n")
	nonEmpty, err = requirementsNonEmpty(commentPath)
	if err != nil {
		t.Fatalf("requirementsNonEmpty: %v", err)
	}
	if !nonEmpty {
		t.Fatal("expected comments-only file to be non-empty")
	}

	withPkgPath := writeRequirements(t, t.TempDir(), "pandas==2.0\n")
	nonEmpty, err = requirementsNonEmpty(withPkgPath)
	if err != nil {
		t.Fatalf("requirementsNonEmpty: %v", err)
	}
	if !nonEmpty {
		t.Fatal("expected file with a package line to be non-empty")
	}

	nonEmpty, err = requirementsNonEmpty(filepath.Join(t.TempDir(), "absent.txt"))
	if err != nil {
		t.Fatalf("requirementsNonEmpty: %v", err)
	}
	if nonEmpty {
		t.Fatal("expected missing file to be considered empty")
	}
}

func TestVenvBinaries(t *testing.T) {
	pip, python := venvBinaries("/apps/demo/venv")
	if runtime.GOOS == "windows" {
		if pip != filepath.Join("/apps/demo/venv", "Scripts", "pip.exe") {
			t.Errorf("unexpected pip path: %s", pip)
		}
		if python != filepath.Join("/apps/demo/venv", "Scripts", "python.exe") {
			t.Errorf("unexpected python path: %s", python)
		}
		return
	}
	if pip != filepath.Join("/apps/demo/venv", "bin", "pip") {
		t.Errorf("unexpected pip path: %s", pip)
	}
	if python != filepath.Join("/apps/demo/venv", "bin", "python") {
		t.Errorf("unexpected python path: %s", python)
	}
}
