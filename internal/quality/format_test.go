package quality

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestCodeFormatting 检查仓库内所有 Go 文件都已经过 gofmt。
func TestCodeFormatting(t *testing.T) {
	gofmt, err := exec.LookPath("gofmt")
	if err != nil {
		t.Skip("gofmt not on PATH")
	}
	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("find project root: %v", err)
	}

	var goFiles []string
	err = filepath.WalkDir(projectRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			// 以 _ 或 . 开头的目录不参与构建，testdata 中可能有刻意的非规范文件
			if path != projectRoot && (strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".") ||
				name == "vendor" || name == "testdata" || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			goFiles = append(goFiles, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk project: %v", err)
	}
	if len(goFiles) == 0 {
		t.Fatal("no Go files found")
	}

	out, err := exec.Command(gofmt, append([]string{"-l"}, goFiles...)...).Output()
	if err != nil {
		t.Fatalf("gofmt: %v", err)
	}
	if list := strings.TrimSpace(string(out)); list != "" {
		t.Errorf("files need gofmt:\n%s", list)
	}
	t.Logf("checked %d Go files", len(goFiles))
}

// findProjectRoot 向上查找 go.mod 所在目录。
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
