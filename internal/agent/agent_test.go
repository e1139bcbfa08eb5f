package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeAgent(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_FrontMatterAndBody(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "reviewer", "---\nname: reviewer\ndescription: code review persona\nmodel: opus\n---\nYou review code carefully.\n\nBe strict.\n")

	def, err := Load(dir, "reviewer")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Name != "reviewer" || def.Description != "code review persona" || def.Model != "opus" {
		t.Errorf("unexpected front matter: %+v", def)
	}
	if def.Body != "You review code carefully.\n\nBe strict." {
		t.Errorf("unexpected body: %q", def.Body)
	}
}

func TestLoad_NoFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "plain", "Just a directive, no header.\n")

	def, err := Load(dir, "plain")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if def.Name != "plain" {
		t.Errorf("name should default to the file name, got %q", def.Name)
	}
	if def.Body != "Just a directive, no header." {
		t.Errorf("unexpected body: %q", def.Body)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(t.TempDir(), "ghost"); err == nil {
		t.Fatal("expected error for missing agent file")
	}
}

func TestLoad_RejectsPathTraversal(t *testing.T) {
	if _, err := Load(t.TempDir(), "../etc/passwd"); err == nil {
		t.Fatal("expected error for a name containing a path separator")
	}
}

func TestLoad_UnterminatedFrontMatter(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "broken", "---\nname: broken\nno closing delimiter")

	if _, err := Load(dir, "broken"); err == nil {
		t.Fatal("expected error for unterminated front matter")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "bad", "---\nname: [unclosed\n---\nbody\n")

	if _, err := Load(dir, "bad"); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	writeAgent(t, dir, "one", "---\nname: one\n---\nfirst\n")
	writeAgent(t, dir, "two", "second\n")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	defs := List(dir)
	if len(defs) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(defs))
	}
}

func TestList_MissingDir(t *testing.T) {
	if defs := List(filepath.Join(t.TempDir(), "absent")); defs != nil {
		t.Errorf("expected nil for a missing directory, got %v", defs)
	}
}
