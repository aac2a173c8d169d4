package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/dshills/mlpipeline/pipeline"
)

type result struct {
	stdout string
	stderr string
	err    error
}

func execute(a *app, args ...string) result {
	cmd := createRootCommand(a)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	if args == nil {
		// cobra falls back to os.Args when args is nil.
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return result{stdout: out.String(), stderr: errOut.String(), err: err}
}

func run(args ...string) result {
	return execute(newApp(NewFlags(), viper.New()), args...)
}

// workspace switches to a fresh directory holding artifacts/raw/data.csv.
func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	raw := filepath.Join(dir, "artifacts", "raw", "data.csv")
	if err := os.MkdirAll(filepath.Dir(raw), 0o755); err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	b.WriteString("size,shade,label\n")
	for i := 0; i < 30; i++ {
		fmt.Fprintf(&b, "%d,%s,small\n", i, []string{"dark", "light"}[i%2])
	}
	for i := 70; i < 100; i++ {
		fmt.Fprintf(&b, "%d,%s,large\n", i, []string{"dark", "light"}[i%2])
	}
	if err := os.WriteFile(raw, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

var runIDPattern = regexp.MustCompile(`Run (\S+) completed`)

func runID(t *testing.T, stdout string) string {
	t.Helper()
	m := runIDPattern.FindStringSubmatch(stdout)
	if m == nil {
		t.Fatalf("no run ID in output:\n%s", stdout)
	}
	return m[1]
}

func TestCreateRootCommand(t *testing.T) {
	cmd := CreateRootCommand(NewFlags())

	if cmd.Use != "mlpipeline" {
		t.Errorf("Expected Use to be 'mlpipeline', got %s", cmd.Use)
	}

	for _, name := range []string{
		"config", "raw-data", "artifacts", "store", "store-dsn",
		"metrics-addr", "trace-file", "log-format", "seed", "model-card",
	} {
		t.Run("flag_"+name, func(t *testing.T) {
			if cmd.PersistentFlags().Lookup(name) == nil {
				t.Errorf("Expected persistent flag %s to exist", name)
			}
		})
	}

	for _, name := range []string{"resume", "history", "predict", "config", "version"} {
		t.Run("command_"+name, func(t *testing.T) {
			found := false
			for _, sub := range cmd.Commands() {
				if sub.Name() == name {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected subcommand %s", name)
			}
		})
	}
}

func TestRoot_NoArgsRunsPipeline(t *testing.T) {
	dir := workspace(t)

	res := run()
	if res.err != nil {
		t.Fatalf("run failed: %v\n%s", res.err, res.stderr)
	}

	id := runID(t, res.stdout)
	if !strings.Contains(res.stdout, "60 of 60 rows kept") {
		t.Errorf("expected data summary, got:\n%s", res.stdout)
	}
	for _, want := range []string{"[run_start]", "[stage_end]", "stage=data_processing", "stage=model_training", "[run_end]"} {
		if !strings.Contains(res.stderr, want) {
			t.Errorf("expected event log to contain %q", want)
		}
	}
	if strings.Index(res.stderr, "stage=data_processing") > strings.Index(res.stderr, "stage=model_training") {
		t.Error("expected data processing events before training events")
	}

	for _, path := range []string{
		"artifacts/processed/train.csv",
		"artifacts/processed/preprocessor.json",
		"artifacts/models/model.json",
		"artifacts/models/metrics.json",
		"artifacts/runs.db",
	} {
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			t.Errorf("expected %s: %v", path, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts/models/MODEL_CARD.md")); err == nil {
		t.Error("expected no model card by default")
	}

	t.Run("history", func(t *testing.T) {
		res := run("history")
		if res.err != nil {
			t.Fatalf("history failed: %v", res.err)
		}
		if !strings.Contains(res.stdout, id) || !strings.Contains(res.stdout, "model_training") {
			t.Errorf("expected run in history, got:\n%s", res.stdout)
		}
	})

	t.Run("history run", func(t *testing.T) {
		res := run("history", id)
		if res.err != nil {
			t.Fatalf("history failed: %v", res.err)
		}
		if !strings.Contains(res.stdout, "data_processing") || !strings.Contains(res.stdout, "accuracy=") {
			t.Errorf("expected both steps, got:\n%s", res.stdout)
		}
	})

	t.Run("resume complete run", func(t *testing.T) {
		res := run("resume", id)
		if !errors.Is(res.err, pipeline.ErrRunComplete) {
			t.Errorf("expected ErrRunComplete, got %v", res.err)
		}
	})

	t.Run("predict", func(t *testing.T) {
		input := filepath.Join(dir, "new.csv")
		if err := os.WriteFile(input, []byte("shade,size\ndark,3\nlight,95\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		output := filepath.Join(dir, "scored.csv")

		res := run("predict", "--input", input, "--output", output)
		if res.err != nil {
			t.Fatalf("predict failed: %v", res.err)
		}
		data, err := os.ReadFile(output)
		if err != nil {
			t.Fatal(err)
		}
		want := "shade,size,prediction\ndark,3,small\nlight,95,large\n"
		if string(data) != want {
			t.Errorf("expected %q, got %q", want, string(data))
		}
	})
}

func TestRoot_ModelCard(t *testing.T) {
	dir := workspace(t)

	res := run("--model-card", "--store", "memory", "--log-format", "json")
	if res.err != nil {
		t.Fatalf("run failed: %v\n%s", res.err, res.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts/models/MODEL_CARD.md")); err != nil {
		t.Errorf("expected model card: %v", err)
	}
	if !strings.Contains(res.stderr, `"msg":"model_card_written"`) {
		t.Errorf("expected JSON event log, got:\n%s", res.stderr)
	}
	if _, err := os.Stat(filepath.Join(dir, "artifacts/runs.db")); err == nil {
		t.Error("expected no sqlite database with the memory store")
	}
}

func TestRoot_MissingRawData(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	res := run("--store", "memory")
	if res.err == nil {
		t.Fatal("expected error when raw data is missing")
	}
	var stageErr *pipeline.StageError
	if !errors.As(res.err, &stageErr) || stageErr.StageID != "data_processing" {
		t.Errorf("expected data stage error, got %v", res.err)
	}
	if !strings.Contains(res.stderr, "Error:") {
		t.Errorf("expected error on stderr, got:\n%s", res.stderr)
	}
	if _, err := os.Stat("artifacts/models/model.json"); err == nil {
		t.Error("expected training not to run")
	}
}

func TestRoot_Observability(t *testing.T) {
	dir := workspace(t)
	trace := filepath.Join(dir, "trace.json")

	res := run("--store", "memory", "--metrics-addr", "127.0.0.1:0", "--trace-file", trace)
	if res.err != nil {
		t.Fatalf("run failed: %v\n%s", res.err, res.stderr)
	}
	if !strings.Contains(res.stderr, "Serving metrics on http://127.0.0.1:") {
		t.Errorf("expected metrics address, got:\n%s", res.stderr)
	}

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("expected trace file: %v", err)
	}
	for _, want := range []string{"stage_start", "mlpipeline.stage_id", "data_processed"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected trace to contain %q", want)
		}
	}
}

func TestRoot_InvalidConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	res := run("--store", "cassandra")
	if res.err == nil || !strings.Contains(res.err.Error(), "store.driver") {
		t.Errorf("expected store driver validation error, got %v", res.err)
	}
}

func TestConfigShow(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	res := run("config", "show", "--store", "memory", "--seed", "9")
	if res.err != nil {
		t.Fatalf("config show failed: %v", res.err)
	}
	for _, want := range []string{"driver: memory", "seed: 9", "raw_data: artifacts/raw/data.csv"} {
		if !strings.Contains(res.stdout, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, res.stdout)
		}
	}
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", t.TempDir())

	declined := 0
	a := newApp(NewFlags(), viper.New())
	a.confirm = func(string) (bool, error) {
		declined++
		return false, nil
	}

	if res := execute(a, "config", "init"); res.err != nil {
		t.Fatalf("config init failed: %v", res.err)
	}
	path := filepath.Join(dir, ".mlpipeline.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}

	if err := os.WriteFile(path, []byte("seed: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	a = newApp(NewFlags(), viper.New())
	a.confirm = func(string) (bool, error) {
		declined++
		return false, nil
	}
	if res := execute(a, "config", "init"); !errors.Is(res.err, ErrAborted) {
		t.Errorf("expected ErrAborted when declining, got %v", res.err)
	}
	if declined != 1 {
		t.Errorf("expected one confirmation prompt, got %d", declined)
	}

	a = newApp(NewFlags(), viper.New())
	a.confirm = func(string) (bool, error) {
		t.Error("expected no prompt with --yes")
		return false, nil
	}
	if res := execute(a, "config", "init", "--yes"); res.err != nil {
		t.Fatalf("config init --yes failed: %v", res.err)
	}
	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "seed: 1\n") {
		t.Error("expected file to be overwritten")
	}

	res := run("config", "show")
	if res.err != nil || !strings.Contains(res.stdout, "# source: ") {
		t.Errorf("expected config show to report the file, got %v:\n%s", res.err, res.stdout)
	}
}

func TestVersion(t *testing.T) {
	res := run("version")
	if res.err != nil {
		t.Fatalf("version failed: %v", res.err)
	}
	if res.stdout != "mlpipeline dev\n" {
		t.Errorf("expected version output, got %q", res.stdout)
	}
}
