package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	res, err := Load(filepath.Join(t.TempDir(), ".env"))
	if err != nil {
		t.Fatalf("Load missing file error: %v", err)
	}
	if res.Loaded != 0 {
		t.Fatalf("Loaded=%d", res.Loaded)
	}
}

func TestLoad_ValuesAndExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# comment\n" +
		"ROBOT_DOTENV_PLAIN=loaded\n" +
		"ROBOT_DOTENV_QUOTED=\"hello world\"\n" +
		"ROBOT_DOTENV_ESCAPED=\"line1\\nline2\"\n" +
		"ROBOT_DOTENV_SINGLE='a # b'\n" +
		"ROBOT_DOTENV_INLINE=value # trailing comment\n" +
		"export ROBOT_DOTENV_EXPORTED=ok\n" +
		"ROBOT_DOTENV_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, key := range []string{
		"ROBOT_DOTENV_PLAIN", "ROBOT_DOTENV_QUOTED", "ROBOT_DOTENV_ESCAPED",
		"ROBOT_DOTENV_SINGLE", "ROBOT_DOTENV_INLINE", "ROBOT_DOTENV_EXPORTED",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("ROBOT_DOTENV_EXISTING", "already_set")

	res, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if res.Loaded != 6 || res.Kept != 1 || len(res.Skipped) != 0 {
		t.Fatalf("result=%+v", res)
	}

	want := map[string]string{
		"ROBOT_DOTENV_PLAIN":    "loaded",
		"ROBOT_DOTENV_QUOTED":   "hello world",
		"ROBOT_DOTENV_ESCAPED":  "line1\nline2",
		"ROBOT_DOTENV_SINGLE":   "a # b",
		"ROBOT_DOTENV_INLINE":   "value",
		"ROBOT_DOTENV_EXPORTED": "ok",
		"ROBOT_DOTENV_EXISTING": "already_set",
	}
	for key, v := range want {
		if got := os.Getenv(key); got != v {
			t.Fatalf("%s=%q, want %q", key, got, v)
		}
	}
}

func TestLoad_SkipsMalformedLines(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"ROBOT_DOTENV_GOOD=1\n" +
		"this line has no equals\n" +
		"1BAD=x\n" +
		"ROBOT_DOTENV_OPEN=\"unterminated\n" +
		"ROBOT_DOTENV_AFTER=2\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	for _, key := range []string{"ROBOT_DOTENV_GOOD", "ROBOT_DOTENV_AFTER", "ROBOT_DOTENV_OPEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	res, err := Load(envPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if res.Loaded != 2 {
		t.Fatalf("Loaded=%d", res.Loaded)
	}
	if len(res.Skipped) != 3 || res.Skipped[0] != 2 || res.Skipped[2] != 4 {
		t.Fatalf("Skipped=%v", res.Skipped)
	}
	if got := os.Getenv("ROBOT_DOTENV_AFTER"); got != "2" {
		t.Fatalf("lines after a bad one still load, got %q", got)
	}
}
