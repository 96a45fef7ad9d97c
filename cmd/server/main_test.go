package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestModelsCommand_ListsBuiltinAndFileModels(t *testing.T) {
	dir := t.TempDir()
	modelsPath := filepath.Join(dir, "models.json")
	if err := os.WriteFile(modelsPath, []byte(`[{"id":"My_Local","provider":"openai","inputPrice":0.1,"outputPrice":0.2}]`), 0o600); err != nil {
		t.Fatalf("写入模型文件失败: %v", err)
	}
	t.Setenv("MODELS_CONFIG_PATH", modelsPath)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"models"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("models 命令失败: %v", err)
	}

	text := out.String()
	for _, want := range []string{"PROVIDER", "gpt-4o", "claude-sonnet-4-6", "my-local"} {
		if !strings.Contains(text, want) {
			t.Errorf("输出应包含 %q:\n%s", want, text)
		}
	}
}

func TestModelsCommand_MissingConfigFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"models", "--config", filepath.Join(t.TempDir(), "absent.yaml")})
	if err := cmd.Execute(); err == nil {
		t.Error("显式指定的配置文件不存在时应返回错误")
	}
}
